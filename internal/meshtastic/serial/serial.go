// Package serial opens a serial device as a framed Meshtastic transport.
package serial

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultPortSpeed is the baud rate Meshtastic devices use on their USB/UART
// serial console.
const DefaultPortSpeed = 115200

// Connect opens port at the default Meshtastic baud rate.
func Connect(port string) (serial.Port, error) {
	mode := &serial.Mode{BaudRate: DefaultPortSpeed}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", port, err)
	}
	return p, nil
}
