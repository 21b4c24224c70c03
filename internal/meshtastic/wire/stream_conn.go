// Package wire implements the Meshtastic client/radio stream framing used
// over both TCP and serial transports: a two-byte start-of-frame marker
// followed by a big-endian length and a protobuf payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
)

const (
	// Start1 and Start2 mark the beginning of a Meshtastic stream frame.
	Start1 = 0x94
	Start2 = 0xc3

	maxFrameLen = 1 << 16
)

// StreamConn frames protobuf messages over an underlying byte stream.
// Reads and writes are each serialized internally, so concurrent readers and
// concurrent writers each see whole frames.
type StreamConn struct {
	rw io.ReadWriteCloser

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewClientStreamConn wraps a connection from the perspective of a client
// talking to a radio (writes ToRadio, reads FromRadio).
func NewClientStreamConn(rw io.ReadWriteCloser) (*StreamConn, error) {
	return &StreamConn{rw: rw}, nil
}

// NewRadioStreamConn wraps a connection from the perspective of a radio
// talking to a client (writes FromRadio, reads ToRadio). Used by tests.
func NewRadioStreamConn(rw io.ReadWriteCloser) *StreamConn {
	return &StreamConn{rw: rw}
}

// Write marshals msg and writes it as a single framed packet.
func (s *StreamConn) Write(msg proto.Message) error {
	b, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	if len(b) >= maxFrameLen {
		return fmt.Errorf("message too large to frame: %d bytes", len(b))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := writeStreamHeader(s.rw, len(b)); err != nil {
		return fmt.Errorf("writing stream header: %w", err)
	}
	if _, err := s.rw.Write(b); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// Read blocks until a full framed packet arrives and unmarshals it into msg.
// Any bytes preceding a valid Start1/Start2 pair are discarded, matching the
// radio firmware's tolerance for stray bytes (e.g. boot log lines) on serial.
func (s *StreamConn) Read(msg proto.Message) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if err := s.syncToHeader(); err != nil {
		return err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(s.rw, lenBuf[:]); err != nil {
		return fmt.Errorf("reading frame length: %w", err)
	}
	length := int(binary.BigEndian.Uint16(lenBuf[:]))

	body := make([]byte, length)
	if _, err := io.ReadFull(s.rw, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}

	if err := proto.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("unmarshalling frame body: %w", err)
	}
	return nil
}

// syncToHeader reads bytes one at a time until it observes Start1 followed
// by Start2.
func (s *StreamConn) syncToHeader() error {
	var b [1]byte
	sawStart1 := false
	for {
		if _, err := io.ReadFull(s.rw, b[:]); err != nil {
			return fmt.Errorf("reading stream header: %w", err)
		}
		switch {
		case b[0] == Start1:
			sawStart1 = true
		case sawStart1 && b[0] == Start2:
			return nil
		default:
			sawStart1 = false
		}
	}
}

// Close closes the underlying connection.
func (s *StreamConn) Close() error {
	return s.rw.Close()
}

// writeStreamHeader writes the four-byte frame header: Start1, Start2, and a
// big-endian uint16 length.
func writeStreamHeader(w io.Writer, length int) error {
	if length < 0 || length >= maxFrameLen {
		return fmt.Errorf("invalid frame length %d", length)
	}
	header := []byte{Start1, Start2, byte(length >> 8), byte(length & 0xff)}
	_, err := w.Write(header)
	return err
}
