// Package bridge implements the Bridge/Correlator component of spec.md
// §4.6: it decodes inbound radio packets, stamps them with gateway
// metadata, publishes them to MQTT, optionally relays inbound MQTT
// messages back to the radio as text, and correlates self-heard RF echoes
// of those reverse-path sends so external collectors see the real radio
// packet ID rather than a placeholder.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/nhmesh/bridge/internal/connmgr"
	"github.com/nhmesh/bridge/internal/nodecache"
	"github.com/nhmesh/bridge/internal/radio"
	"github.com/nhmesh/bridge/internal/status"
	"github.com/nhmesh/bridge/internal/traceroute"
)

// Config holds the Bridge's tunables, spec.md §6.
type Config struct {
	Broker   string
	Port     int
	Username string
	Password string
	TLS      bool

	RootTopic   string
	ListenTopic string // empty disables the reverse path

	ChannelKey []byte

	// ReverseSendSingleChannel restricts a reverse-path send to channel 0.
	// Left false (the default, SPEC_FULL Open Question #2), a send goes out
	// on both channel 0 and channel 1. It is an opt-out flag because bool's
	// zero value can't distinguish "unset" from "explicitly false" for a
	// default-true setting.
	ReverseSendSingleChannel bool

	PendingTimeout time.Duration // default 2s

	MaxMQTTReconnectAttempts int           // default 5
	MQTTReconnectBaseDelay   time.Duration // default 5s
	MQTTReconnectMaxDelay    time.Duration // default 60s
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.RootTopic == "" {
		c.RootTopic = "msh/US/NH/"
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = 2 * time.Second
	}
	if c.MaxMQTTReconnectAttempts == 0 {
		c.MaxMQTTReconnectAttempts = 5
	}
	if c.MQTTReconnectBaseDelay == 0 {
		c.MQTTReconnectBaseDelay = 5 * time.Second
	}
	if c.MQTTReconnectMaxDelay == 0 {
		c.MQTTReconnectMaxDelay = 60 * time.Second
	}
}

// pendingKey identifies a reverse-path send awaiting its self-heard RF echo.
type pendingKey struct {
	text          string
	destinationID string
}

type pendingSend struct {
	sentAt time.Time
	timer  *time.Timer
}

// Bridge wires a ConnectionManager, a NodeCache, a TracerouteManager, and an
// MQTT client together.
type Bridge struct {
	cfg Config
	log *log.Logger

	mqttClient mqtt.Client
	connMgr    *connmgr.ConnectionManager
	nodeCache  *nodecache.NodeCache
	traceMgr   *traceroute.Manager
	stats      *status.Stats

	pendingMu sync.Mutex
	pending   map[pendingKey]*pendingSend

	localPacketID atomic.Uint32

	stopCh chan struct{}

	// publishFunc defaults to b.publish; overridable in tests so the
	// correlator/fallback paths can be exercised without a live broker.
	publishFunc func(topic string, envelope map[string]any)
}

// New constructs a Bridge and its MQTT client (not yet connected). stats may
// be nil, in which case counter reporting is skipped.
func New(cfg Config, connMgr *connmgr.ConnectionManager, nodeCache *nodecache.NodeCache, traceMgr *traceroute.Manager, stats *status.Stats) *Bridge {
	cfg.setDefaults()

	b := &Bridge{
		cfg:       cfg,
		log:       log.With("component", "bridge"),
		connMgr:   connMgr,
		nodeCache: nodeCache,
		traceMgr:  traceMgr,
		stats:     stats,
		pending:   make(map[pendingKey]*pendingSend),
		stopCh:    make(chan struct{}),
	}
	// A random seed keeps locally-generated fallback packet IDs from
	// colliding with another gateway's sequence after a restart.
	b.localPacketID.Store(rand.Uint32())
	b.publishFunc = b.publish

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(fmt.Sprintf("nhmesh-bridge-%d", rand.Uint32()))
	opts.SetAutoReconnect(false) // reconnects are driven explicitly, see mqttReconnectLoop
	opts.SetOnConnectHandler(b.onMQTTConnect)
	opts.SetConnectionLostHandler(b.onMQTTConnectionLost)

	b.mqttClient = mqtt.NewClient(opts)
	connMgr.AddListener(func(kind connmgr.EventKind, detail string) {
		if kind == connmgr.EventConnected {
			b.log.Info("radio connected", "nodeId", detail)
			if b.stats != nil {
				b.stats.SetConnected(true)
			}
		} else {
			b.log.Warn("radio disconnected", "reason", detail)
			if b.stats != nil {
				b.stats.SetConnected(false)
			}
		}
	})
	return b
}

// Start connects to MQTT. It does not register OnPacket with the
// ConnectionManager; the caller does that with SetPacketHandler.
func (b *Bridge) Start() error {
	token := b.mqttClient.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}
	return nil
}

// OnPacket is the ConnectionManager.PacketHandler implementation: the
// ingress pipeline spec.md §4.6 describes.
func (b *Bridge) OnPacket(pkt *meshtastic.MeshPacket) {
	if b.stats != nil {
		b.stats.IncPacketsReceived()
	}

	m, err := radio.PacketToMap(pkt)
	if err != nil {
		b.log.Error("failed to convert packet to map, dropping", "err", err)
		if b.stats != nil {
			b.stats.IncDecodeFailures()
		}
		return
	}
	m, err = radio.Decode(radio.StructuredRaw(m))
	if err != nil {
		b.log.Error("failed to decode packet, dropping", "err", err)
		if b.stats != nil {
			b.stats.IncDecodeFailures()
		}
		return
	}

	fromID := formatNodeID(pkt.GetFrom())
	toID := ""
	if pkt.GetTo() != 0xffffffff {
		toID = formatNodeID(pkt.GetTo())
	}
	m["fromId"] = fromID
	if toID != "" {
		m["toId"] = toID
	}

	data, err := radio.TryDecode(pkt, b.cfg.ChannelKey)
	if err == nil && data != nil {
		decodedMap, derr := decodedDataToMap(data)
		if derr == nil {
			m["decoded"] = decodedMap
		}
	}

	isNew := b.nodeCache.UpdateFromPacket(m)
	if b.stats != nil {
		b.stats.SetNodesTracked(b.nodeCache.Len())
	}
	b.traceMgr.ProcessPacketForTraceroutes(fromID, isNew)

	if data != nil && data.GetPortnum() == meshtastic.PortNum_TEXT_MESSAGE_APP && fromID == b.connMgr.MyNodeID() {
		b.correlateSelfEcho(extractText(data), toID)
	}

	gatewayID := b.gatewayID()
	modemPreset, channelNum := "Unknown", 0
	if b.connMgr != nil {
		modemPreset, channelNum = b.connMgr.LoRaInfo()
	}

	m["gatewayId"] = gatewayID
	m["source"] = "rf"
	m["modem_preset"] = modemPreset
	m["channel_num"] = channelNum

	b.publishFunc(fmt.Sprintf("%s/%s", strings.TrimSuffix(b.cfg.RootTopic, "/"), fromID), m)
}

// correlateSelfEcho cancels the pending-send fallback timer for a matching
// reverse-path send, since the real RF echo has now arrived. The normal
// ingress publish above carries the packet's real id/rxTime already.
func (b *Bridge) correlateSelfEcho(text, destinationID string) {
	if text == "" {
		return
	}
	key := pendingKey{text: text, destinationID: destinationID}

	b.pendingMu.Lock()
	p, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.pendingMu.Unlock()

	if ok {
		p.timer.Stop()
	}
}

func (b *Bridge) publish(topic string, envelope map[string]any) {
	payload, err := json.Marshal(stringifyNonJSONValues(envelope))
	if err != nil {
		b.log.Error("failed to marshal envelope", "err", err, "topic", topic)
		return
	}
	token := b.mqttClient.Publish(topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.log.Error("failed to publish envelope", "err", token.Error(), "topic", topic)
			return
		}
		if b.stats != nil {
			b.stats.IncPacketsPublished()
		}
	}()
}

func (b *Bridge) onMQTTConnect(client mqtt.Client) {
	b.log.Info("connected to mqtt broker")
	if b.cfg.ListenTopic == "" {
		return
	}
	token := client.Subscribe(b.cfg.ListenTopic, 0, b.onReverseMessage)
	if token.Wait() && token.Error() != nil {
		b.log.Error("failed to subscribe to reverse path topic", "topic", b.cfg.ListenTopic, "err", token.Error())
	}
}

func (b *Bridge) onMQTTConnectionLost(client mqtt.Client, err error) {
	b.log.Warn("lost mqtt connection, reconnecting", "err", err)
	go b.mqttReconnectLoop()
}

// mqttReconnectLoop is the SUPPLEMENTED reconnect-with-backoff behavior
// (capped delay 5s*2^(n-1), max 60s, up to MaxMQTTReconnectAttempts).
func (b *Bridge) mqttReconnectLoop() {
	for attempt := 1; attempt <= b.cfg.MaxMQTTReconnectAttempts; attempt++ {
		select {
		case <-b.stopCh:
			return
		default:
		}

		delay := mqttBackoffDelay(b.cfg.MQTTReconnectBaseDelay, b.cfg.MQTTReconnectMaxDelay, attempt)
		b.log.Info("mqtt reconnect attempt", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-b.stopCh:
			return
		}

		token := b.mqttClient.Connect()
		if token.Wait() && token.Error() == nil {
			b.log.Info("mqtt reconnected", "attempt", attempt)
			return
		}
	}
	b.log.Error("exhausted mqtt reconnect attempts", "attempts", b.cfg.MaxMQTTReconnectAttempts)
}

func mqttBackoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > max || d <= 0 {
		return max
	}
	return d
}

// reverseMessage is the JSON shape of an inbound reverse-path MQTT payload.
type reverseMessage struct {
	Text string `json:"text"`
	To   string `json:"to,omitempty"`
}

func (b *Bridge) onReverseMessage(client mqtt.Client, msg mqtt.Message) {
	var rm reverseMessage
	if err := json.Unmarshal(msg.Payload(), &rm); err != nil {
		b.log.Error("dropping non-JSON reverse-path payload", "err", err)
		return
	}
	if rm.Text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := b.connMgr.GetReadyInterface(ctx)
	if err != nil {
		b.log.Warn("no ready radio interface for reverse-path send", "err", err)
		return
	}

	channels := []int{0, 1}
	if b.cfg.ReverseSendSingleChannel {
		channels = []int{0}
	}

	sent := false
	for _, ch := range channels {
		if err := r.SendText(rm.Text, ch, rm.To); err != nil {
			b.log.Warn("reverse-path send failed", "channel", ch, "err", err)
			continue
		}
		sent = true
	}
	if !sent {
		return
	}

	b.registerPendingSend(rm.Text, rm.To)
}

// registerPendingSend implements spec.md §4.6's self-RF correlator step 1.
func (b *Bridge) registerPendingSend(text, destinationID string) {
	key := pendingKey{text: text, destinationID: destinationID}

	timer := time.AfterFunc(b.cfg.PendingTimeout, func() {
		b.fireFallback(key)
	})

	b.pendingMu.Lock()
	b.pending[key] = &pendingSend{sentAt: time.Now(), timer: timer}
	b.pendingMu.Unlock()
}

// fireFallback implements spec.md §4.6's step 3: if the real RF echo never
// arrived within PendingTimeout, publish a synthetic envelope with a
// locally-generated packet id so collectors still see the message.
func (b *Bridge) fireFallback(key pendingKey) {
	b.pendingMu.Lock()
	_, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}

	gatewayID := b.gatewayID()

	packetID := b.localPacketID.Add(1)
	envelope := map[string]any{
		"packet": map[string]any{
			"id":     packetID,
			"fromId": gatewayID,
			"toId":   key.destinationID,
			"rxTime": time.Now().Unix(),
			"decoded": map[string]any{
				"portnum": "TEXT_MESSAGE_APP",
				"payload": key.text,
			},
		},
		"gatewayId": gatewayID,
		"channelId": 0,
	}

	b.publishFunc(fmt.Sprintf("%s/%s", strings.TrimSuffix(b.cfg.RootTopic, "/"), gatewayID), envelope)
}

// Close stops the MQTT reconnect loop and disconnects from the broker.
func (b *Bridge) Close() {
	close(b.stopCh)
	b.mqttClient.Disconnect(250)
}

// gatewayID implements spec.md §4.6's fallback chain: ConnectionManager's
// connected node id, else the literal "unknown".
func (b *Bridge) gatewayID() string {
	if b.connMgr == nil {
		return "unknown"
	}
	if id := b.connMgr.MyNodeID(); id != "" {
		return id
	}
	return "unknown"
}

func formatNodeID(nodeNum uint32) string {
	return fmt.Sprintf("!%08x", nodeNum)
}

func decodedDataToMap(data *meshtastic.Data) (map[string]any, error) {
	b, err := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: false}.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling decoded data: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling decoded data json: %w", err)
	}
	return m, nil
}

// extractText tolerates either plaintext UTF-8 payloads (the common case)
// or base64-encoded payloads, matching producer.py's best-effort text
// extraction.
func extractText(data *meshtastic.Data) string {
	payload := data.GetPayload()
	if utf8.Valid(payload) {
		return string(payload)
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(payload)); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	return string(payload)
}

// stringifyNonJSONValues walks a decoded map and converts values JSON
// cannot represent natively (notably raw []byte payloads) into strings,
// per spec.md §4.6's publish rule.
func stringifyNonJSONValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case []byte:
			out[k] = string(val)
		case map[string]any:
			out[k] = stringifyNonJSONValues(val)
		default:
			out[k] = val
		}
	}
	return out
}
