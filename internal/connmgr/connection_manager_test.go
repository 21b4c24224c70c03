package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/nhmesh/bridge/internal/meshtastic/wire"
)

// fakeCloser is a minimal io.ReadWriteCloser that records whether Close was
// called, standing in for a rawConn in handleExternalError tests.
type fakeCloser struct {
	closed bool
}

func (f *fakeCloser) Read([]byte) (int, error)  { return 0, nil }
func (f *fakeCloser) Write([]byte) (int, error) { return 0, nil }
func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

// fakeRadio serves one handshake over an in-memory pipe: it answers
// WantConfigId with MyInfo, a LoRa Config, and ConfigCompleteId, then
// forwards any packet written to packetsIn as a FromRadio_Packet.
func fakeRadio(t *testing.T, conn net.Conn, nodeNum uint32, packetsIn <-chan *meshtastic.MeshPacket, done <-chan struct{}) {
	t.Helper()
	radio := wire.NewRadioStreamConn(conn)

	var toRadio meshtastic.ToRadio
	require.NoError(t, radio.Read(&toRadio))

	require.NoError(t, radio.Write(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_MyInfo{MyInfo: &meshtastic.MyNodeInfo{MyNodeNum: nodeNum}},
	}))
	require.NoError(t, radio.Write(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Config{Config: &meshtastic.Config{
			PayloadVariant: &meshtastic.Config_Lora{Lora: &meshtastic.Config_LoRaConfig{
				ModemPreset: meshtastic.Config_LoRaConfig_LONG_FAST,
				ChannelNum:  20,
			}},
		}},
	}))
	require.NoError(t, radio.Write(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 1},
	}))

	for {
		select {
		case pkt := <-packetsIn:
			_ = radio.Write(&meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Packet{Packet: pkt}})
		case <-done:
			return
		}
	}
}

func TestConnect_CompletesHandshakeAndExposesRadioInfo(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	packetsIn := make(chan *meshtastic.MeshPacket)
	done := make(chan struct{})
	defer close(done)
	go fakeRadio(t, serverConn, 0xabcd1234, packetsIn, done)

	var received []*meshtastic.MeshPacket
	mgr := &ConnectionManager{
		cfg:      Config{HandshakeTimeout: time.Second},
		onPacket: func(p *meshtastic.MeshPacket) { received = append(received, p) },
		state:    Disconnected,
		stopCh:   make(chan struct{}),
	}
	mgr.cfg.setDefaults()

	conn, err := wire.NewClientStreamConn(clientConn)
	require.NoError(t, err)

	// Exercise the handshake portion of connect() directly against the pipe,
	// since connect() itself dials a real transport.
	configComplete := make(chan error, 1)
	mgr.readGen = 1
	go mgr.readLoop(conn, 1, configComplete)

	require.NoError(t, conn.Write(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: 7},
	}))

	select {
	case err := <-configComplete:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handshake did not complete")
	}

	mgr.mu.Lock()
	mgr.conn = conn
	mgr.state = Connected
	mgr.mu.Unlock()

	require.Equal(t, "!abcd1234", mgr.MyNodeID())
	preset, channelNum := mgr.LoRaInfo()
	require.Equal(t, "LONG_FAST", preset)
	require.Equal(t, 20, channelNum)

	packetsIn <- &meshtastic.MeshPacket{Id: 42}
	require.Eventually(t, func() bool { return len(received) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, uint32(42), received[0].GetId())
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	require.Equal(t, time.Second, backoffDelay(base, max, 1))
	require.Equal(t, 2*time.Second, backoffDelay(base, max, 2))
	require.Equal(t, 4*time.Second, backoffDelay(base, max, 3))
	require.Equal(t, max, backoffDelay(base, max, 10))
}

func TestParseNodeID(t *testing.T) {
	n, err := parseNodeID("!0000002a")
	require.NoError(t, err)
	require.Equal(t, uint32(42), n)

	_, err = parseNodeID("not-a-node-id")
	require.Error(t, err)
}

func TestGetReadyInterface_NotConnectedTriggersReconnectAndErrors(t *testing.T) {
	mgr := &ConnectionManager{
		cfg:    Config{},
		state:  Disconnected,
		log:    log.With("component", "test"),
		stopCh: make(chan struct{}),
	}
	mgr.cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mgr.GetReadyInterface(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestHandleExternalError_InvalidatesHandleAndReconnectsImmediately(t *testing.T) {
	raw := &fakeCloser{}
	var events []EventKind
	mgr := &ConnectionManager{
		// MaxReconnectAttempts left at zero so the reconnect loop kicked off
		// below returns immediately without dialing anything.
		cfg:     Config{},
		state:   Connected,
		rawConn: raw,
		log:     log.With("component", "test"),
		stopCh:  make(chan struct{}),
	}
	mgr.AddListener(func(ev EventKind, _ string) { events = append(events, ev) })

	mgr.handleExternalError("broken pipe")

	mgr.mu.Lock()
	state := mgr.state
	conn := mgr.conn
	rawConn := mgr.rawConn
	consecutive := mgr.consecutiveErrors
	mgr.mu.Unlock()

	require.Equal(t, Disconnected, state)
	require.Nil(t, conn)
	require.Nil(t, rawConn)
	require.Equal(t, 1, consecutive)
	require.True(t, raw.closed, "the stale handle must be closed, not just abandoned")

	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, EventDisconnected, events[0])
}

func TestHandleExternalError_NoOpAfterClose(t *testing.T) {
	raw := &fakeCloser{}
	mgr := &ConnectionManager{
		cfg:     Config{},
		state:   Closed,
		rawConn: raw,
		log:     log.With("component", "test"),
		stopCh:  make(chan struct{}),
	}

	mgr.handleExternalError("broken pipe after shutdown")

	mgr.mu.Lock()
	state := mgr.state
	rawConn := mgr.rawConn
	mgr.mu.Unlock()

	require.Equal(t, Closed, state, "a late external-error report must not resurrect a closed manager")
	require.NotNil(t, rawConn)
	require.False(t, raw.closed)
}

func TestGetReadyInterface_ClosedReturnsErrClosed(t *testing.T) {
	mgr := &ConnectionManager{
		cfg:    Config{},
		state:  Closed,
		stopCh: make(chan struct{}),
	}
	mgr.cfg.setDefaults()

	_, err := mgr.GetReadyInterface(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
