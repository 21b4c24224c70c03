// Package connmgr implements the ConnectionManager component of spec.md
// §4.4: it exclusively owns the radio connection (TCP or serial), performs
// the WantConfigId handshake, detects half-open connections with a
// three-signal liveness check, and reconnects with exponential backoff.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"

	"github.com/nhmesh/bridge/internal/meshtastic/serial"
	"github.com/nhmesh/bridge/internal/meshtastic/wire"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("connection manager closed")

// ErrNotConnected is returned by GetReadyInterface when no connected radio
// handle is available and a reconnect has been kicked off instead.
var ErrNotConnected = errors.New("not connected to radio")

// PacketHandler is invoked for every decoded MeshPacket the radio delivers
// once the handshake has completed: a single typed callback in place of a
// generic pub/sub handler registry, per spec.md §9's guidance to prefer an
// explicit callback registry.
type PacketHandler func(packet *meshtastic.MeshPacket)

// ConnectionManager owns a single connection to a Meshtastic radio over TCP
// or serial, re-establishing it transparently on failure.
type ConnectionManager struct {
	cfg Config

	log *log.Logger

	onPacket PacketHandler

	mu                   sync.Mutex
	state                State
	conn                 *wire.StreamConn
	rawConn              io.ReadWriteCloser
	tcpConn              *net.TCPConn
	myNodeNum            uint32
	modemPreset          string
	loraChannelNum       int
	lastPacketAt         time.Time
	lastHeartbeatAt      time.Time
	consecutiveErrors    int
	lastConnectAttempt   time.Time
	reconnectAttempt     int
	connectionInProgress bool

	listenersMu sync.Mutex
	listeners   []Listener

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	readGen int // increments each successful connect, invalidates stale read-loop goroutines
}

// New constructs a ConnectionManager. Exactly one of cfg.TCPHost or
// cfg.SerialPort must be set; onPacket may be nil if the caller only cares
// about connection events.
func New(cfg Config, onPacket PacketHandler) (*ConnectionManager, error) {
	cfg.setDefaults()
	if cfg.TCPHost == "" && cfg.SerialPort == "" {
		return nil, fmt.Errorf("connmgr: either TCPHost or SerialPort must be set")
	}
	return &ConnectionManager{
		cfg:      cfg,
		log:      log.With("component", "connmgr"),
		onPacket: onPacket,
		state:    Disconnected,
		stopCh:   make(chan struct{}),
	}, nil
}

// SetPacketHandler installs (or replaces) the callback invoked for every
// post-handshake packet. It lets main wiring construct the
// ConnectionManager first and hand it to the Bridge before a handler
// exists yet.
func (m *ConnectionManager) SetPacketHandler(h PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPacket = h
}

// AddListener registers a callback for connection state transitions.
func (m *ConnectionManager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *ConnectionManager) emit(kind EventKind, detail string) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l(kind, detail)
	}
}

// IsConnected reports whether the manager currently holds a live,
// handshake-complete connection.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

// Start performs the initial connection attempt and starts the health
// monitor loop. It returns once the first connection attempt has either
// succeeded or exhausted cfg.MaxReconnectAttempts.
func (m *ConnectionManager) Start(ctx context.Context) error {
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		err := m.connect(ctx)
		if err == nil {
			break
		}
		if attempt == m.cfg.MaxReconnectAttempts {
			return fmt.Errorf("initial connect: %w", err)
		}
		delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.MaxReconnectDelay, attempt)
		m.log.Warn("initial connect attempt failed", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("initial connect: %w", ctx.Err())
		case <-m.stopCh:
			return ErrClosed
		}
	}
	m.wg.Add(1)
	go m.healthMonitorLoop(ctx)
	return nil
}

// connect dials the configured transport, performs the WantConfigId
// handshake, and starts the FromRadio read loop. It is single-flight: a
// connect already in progress is not re-entered.
func (m *ConnectionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connectionInProgress {
		m.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	if !m.lastConnectAttempt.IsZero() && time.Since(m.lastConnectAttempt) < m.cfg.MinConnectInterval && m.state != Disconnected {
		m.mu.Unlock()
		return fmt.Errorf("connect attempted too soon, minimum interval is %s", m.cfg.MinConnectInterval)
	}
	m.connectionInProgress = true
	m.lastConnectAttempt = time.Now()
	m.state = Connecting
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connectionInProgress = false
		m.mu.Unlock()
	}()

	rawConn, tcpConn, err := m.dial()
	if err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("dialing radio: %w", err)
	}

	conn, err := wire.NewClientStreamConn(rawConn)
	if err != nil {
		rawConn.Close()
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("building stream connection: %w", err)
	}

	wantConfigID := rand.Uint32()
	if err := conn.Write(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: wantConfigID},
	}); err != nil {
		rawConn.Close()
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("sending want_config: %w", err)
	}

	m.mu.Lock()
	m.readGen++
	gen := m.readGen
	m.mu.Unlock()

	configComplete := make(chan error, 1)
	m.wg.Add(1)
	go m.readLoop(conn, gen, configComplete)

	handshakeCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	select {
	case err := <-configComplete:
		if err != nil {
			rawConn.Close()
			m.mu.Lock()
			m.state = Disconnected
			m.mu.Unlock()
			return fmt.Errorf("handshake failed: %w", err)
		}
	case <-handshakeCtx.Done():
		rawConn.Close()
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("handshake timed out after %s", m.cfg.HandshakeTimeout)
	}

	m.mu.Lock()
	m.conn = conn
	m.rawConn = rawConn
	m.tcpConn = tcpConn
	m.state = Connected
	m.reconnectAttempt = 0
	m.consecutiveErrors = 0
	m.lastPacketAt = time.Now()
	m.lastHeartbeatAt = time.Now()
	m.mu.Unlock()

	m.log.Info("connected to radio", "myNodeId", m.myNodeID())
	m.emit(EventConnected, m.myNodeID())
	return nil
}

func (m *ConnectionManager) dial() (io.ReadWriteCloser, *net.TCPConn, error) {
	if m.cfg.SerialPort != "" {
		port, err := serial.Connect(m.cfg.SerialPort)
		if err != nil {
			return nil, nil, err
		}
		return port, nil, nil
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.TCPHost, m.cfg.TCPPort)
	conn, err := net.DialTimeout("tcp", addr, m.cfg.HandshakeTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	tcpConn, _ := conn.(*net.TCPConn)
	return conn, tcpConn, nil
}

// readLoop owns a single generation of the underlying StreamConn: it reads
// FromRadio frames until the connection fails, dispatching config-phase
// messages to the handshake channel and post-handshake packets to onPacket.
// gen guards against a stale goroutine from a superseded connection
// clobbering state after a reconnect has already started a new one.
func (m *ConnectionManager) readLoop(conn *wire.StreamConn, gen int, configComplete chan<- error) {
	defer m.wg.Done()
	handshakeDone := false

	for {
		msg := &meshtastic.FromRadio{}
		if err := conn.Read(msg); err != nil {
			if !handshakeDone {
				select {
				case configComplete <- err:
				default:
				}
				return
			}
			m.notifyConnectionError(gen, err)
			return
		}

		switch v := msg.GetPayloadVariant().(type) {
		case *meshtastic.FromRadio_MyInfo:
			m.mu.Lock()
			m.myNodeNum = v.MyInfo.GetMyNodeNum()
			m.mu.Unlock()
		case *meshtastic.FromRadio_Config:
			if lora := v.Config.GetLora(); lora != nil {
				m.mu.Lock()
				m.modemPreset = lora.GetModemPreset().String()
				m.loraChannelNum = int(lora.GetChannelNum())
				m.mu.Unlock()
			}
		case *meshtastic.FromRadio_ConfigCompleteId:
			if !handshakeDone {
				handshakeDone = true
				select {
				case configComplete <- nil:
				default:
				}
			}
		case *meshtastic.FromRadio_Packet:
			m.mu.Lock()
			m.lastPacketAt = time.Now()
			handler := m.onPacket
			m.mu.Unlock()
			if handshakeDone && handler != nil {
				handler(v.Packet)
			}
		default:
			// heartbeat replies, log records, node info etc. are not part
			// of the bridge's contract and are ignored here.
		}
	}
}

// notifyConnectionError records a read-loop failure from generation gen. A
// stale generation (superseded by a newer connect) is ignored.
func (m *ConnectionManager) notifyConnectionError(gen int, err error) {
	m.mu.Lock()
	if gen != m.readGen {
		m.mu.Unlock()
		return
	}
	m.consecutiveErrors++
	wasConnected := m.state == Connected
	m.state = Disconnected
	m.mu.Unlock()

	if wasConnected {
		m.log.Warn("lost connection to radio", "err", err)
		m.emit(EventDisconnected, err.Error())
	}
}

// handleExternalError lets a caller (e.g. a failed SendText/SendTraceroute)
// report a broken handle immediately, invalidating the connection and
// kicking off reconnection without waiting for the health monitor's next
// tick, per spec.md §4.4/§7.
func (m *ConnectionManager) handleExternalError(msg string) {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.consecutiveErrors++
	wasConnected := m.state == Connected
	m.state = Disconnected
	conn := m.conn
	raw := m.rawConn
	m.conn = nil
	m.rawConn = nil
	m.tcpConn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else if raw != nil {
		raw.Close()
	}

	m.log.Warn("invalidating connection handle, reconnecting immediately", "reason", msg)
	if wasConnected {
		m.emit(EventDisconnected, msg)
	}
	go m.reconnect(context.Background())
}

// healthMonitorLoop runs the three-signal liveness check on a timer:
// event-driven (state already updated by the read loop), socket-level
// (SO_ERROR peek for TCP), and application-level (packet/heartbeat
// staleness). Any failed signal triggers a reconnect.
func (m *ConnectionManager) healthMonitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *ConnectionManager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	tcpConn := m.tcpConn
	exceededErrors := m.consecutiveErrors >= m.cfg.MaxConnectionErrors
	packetStale := !m.lastPacketAt.IsZero() && time.Since(m.lastPacketAt) > m.cfg.PacketTimeout
	heartbeatStale := !m.lastHeartbeatAt.IsZero() && time.Since(m.lastHeartbeatAt) > m.cfg.HeartbeatStaleAfter
	m.mu.Unlock()

	if state != Connected {
		m.reconnect(ctx)
		return
	}
	if exceededErrors {
		m.log.Warn("reconnecting: too many consecutive errors")
		m.reconnect(ctx)
		return
	}

	if tcpConn != nil {
		if err := peekTCPHealth(tcpConn); err != nil {
			m.log.Warn("reconnecting: socket-level health check failed", "err", err)
			m.reconnect(ctx)
			return
		}
	}

	if packetStale && heartbeatStale {
		if err := m.sendHeartbeat(); err != nil {
			m.log.Warn("reconnecting: application heartbeat failed", "err", err)
			m.reconnect(ctx)
			return
		}
		m.mu.Lock()
		m.lastHeartbeatAt = time.Now()
		m.mu.Unlock()
	}
}

// sendHeartbeat writes a ToRadio Heartbeat frame. It returns an error if the
// write fails or if the manager is no longer Connected when checked after
// the write. It does not wait for or check a reply from the radio: when the
// node id is already known it returns right after that check, otherwise it
// polls the connection state until HeartbeatTimeout and then returns nil.
func (m *ConnectionManager) sendHeartbeat() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}

	deadline := time.Now().Add(m.cfg.HeartbeatTimeout)
	before := m.myNodeID()

	if err := conn.Write(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Heartbeat{Heartbeat: &meshtastic.Heartbeat{}},
	}); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}

	for time.Now().Before(deadline) {
		m.mu.Lock()
		connected := m.state == Connected
		m.mu.Unlock()
		if !connected {
			return fmt.Errorf("connection dropped during heartbeat")
		}
		if m.myNodeID() != "" && m.myNodeID() == before {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// reconnect tears down the current connection, if any, and retries with
// exponential backoff up to cfg.MaxReconnectAttempts.
func (m *ConnectionManager) reconnect(ctx context.Context) {
	m.mu.Lock()
	if m.state == Reconnecting || m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.state = Reconnecting
	conn := m.conn
	raw := m.rawConn
	m.conn = nil
	m.rawConn = nil
	m.tcpConn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else if raw != nil {
		raw.Close()
	}

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.MaxReconnectDelay, attempt)
		m.log.Info("reconnecting to radio", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}

		if err := m.connect(ctx); err != nil {
			m.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			m.mu.Lock()
			m.reconnectAttempt = attempt
			m.mu.Unlock()
			continue
		}
		return
	}

	m.log.Error("exhausted reconnect attempts, giving up", "attempts", m.cfg.MaxReconnectAttempts)
}

// backoffDelay computes the capped exponential reconnect delay:
// base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// GetReadyInterface returns a Radio handle if connected, or triggers a
// reconnect attempt and returns ErrNotConnected otherwise.
func (m *ConnectionManager) GetReadyInterface(ctx context.Context) (Radio, error) {
	m.mu.Lock()
	connected := m.state == Connected
	closed := m.state == Closed
	m.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !connected {
		go m.reconnect(ctx)
		return nil, ErrNotConnected
	}
	return m, nil
}

// MyNodeID implements Radio.
func (m *ConnectionManager) MyNodeID() string {
	return m.myNodeID()
}

func (m *ConnectionManager) myNodeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.myNodeNum == 0 {
		return ""
	}
	return fmt.Sprintf("!%08x", m.myNodeNum)
}

// LoRaInfo implements Radio.
func (m *ConnectionManager) LoRaInfo() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modemPreset == "" {
		return "Unknown", 0
	}
	return m.modemPreset, m.loraChannelNum
}

// SendText implements Radio, sending a text message on channelIndex,
// optionally directed at destinationID (empty means broadcast).
func (m *ConnectionManager) SendText(text string, channelIndex int, destinationID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	to := uint32(0xffffffff)
	if destinationID != "" {
		parsed, err := parseNodeID(destinationID)
		if err != nil {
			return fmt.Errorf("parsing destination node id: %w", err)
		}
		to = parsed
	}

	packet := &meshtastic.MeshPacket{
		To:      to,
		Channel: uint32(channelIndex),
		Id:      rand.Uint32(),
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{
				Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
			},
		},
	}
	if err := conn.Write(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet},
	}); err != nil {
		m.handleExternalError("send text failed")
		return fmt.Errorf("sending text packet: %w: %w", ErrNotConnected, err)
	}
	return nil
}

// SendTraceroute implements Radio, issuing a traceroute request toward
// destNodeID with the given hop limit.
func (m *ConnectionManager) SendTraceroute(destNodeID string, hopLimit int) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	to, err := parseNodeID(destNodeID)
	if err != nil {
		return fmt.Errorf("parsing destination node id: %w", err)
	}

	route, err := proto.Marshal(&meshtastic.RouteDiscovery{})
	if err != nil {
		return fmt.Errorf("marshalling empty route discovery: %w", err)
	}

	packet := &meshtastic.MeshPacket{
		To:       to,
		Id:       rand.Uint32(),
		HopLimit: uint32(hopLimit),
		WantAck:  true,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{
				Portnum:      meshtastic.PortNum_TRACEROUTE_APP,
				Payload:      route,
				WantResponse: true,
			},
		},
	}
	if err := conn.Write(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet},
	}); err != nil {
		m.handleExternalError("send traceroute failed")
		return fmt.Errorf("sending traceroute packet: %w: %w", ErrNotConnected, err)
	}
	return nil
}

// parseNodeID parses the canonical "!xxxxxxxx" node id form into its
// numeric node number.
func parseNodeID(id string) (uint32, error) {
	if len(id) != 9 || id[0] != '!' {
		return 0, fmt.Errorf("invalid node id %q", id)
	}
	var n uint32
	if _, err := fmt.Sscanf(id[1:], "%08x", &n); err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", id, err)
	}
	return n, nil
}

// Close shuts the manager down, closing the active connection and stopping
// the health monitor. It is idempotent.
func (m *ConnectionManager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = Closed
		conn := m.conn
		raw := m.rawConn
		m.conn = nil
		m.rawConn = nil
		m.mu.Unlock()

		close(m.stopCh)
		if conn != nil {
			closeErr = conn.Close()
		} else if raw != nil {
			closeErr = raw.Close()
		}
		m.wg.Wait()
	})
	return closeErr
}
