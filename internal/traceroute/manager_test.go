package traceroute

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhmesh/bridge/internal/connmgr"
)

type stubRadio struct {
	sendTraceroute func(destNodeID string, hopLimit int) error
}

func (s *stubRadio) MyNodeID() string                    { return "!00000001" }
func (s *stubRadio) LoRaInfo() (string, int)              { return "LONG_FAST", 20 }
func (s *stubRadio) SendText(string, int, string) error   { return nil }
func (s *stubRadio) SendTraceroute(nodeID string, hopLimit int) error {
	return s.sendTraceroute(nodeID, hopLimit)
}

var _ connmgr.Radio = (*stubRadio)(nil)

func newTestManager(t *testing.T, radio connmgr.Radio, radioErr error) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return New(Config{
		Interval:        time.Hour,
		Cooldown:        10 * time.Millisecond,
		MaxRetries:      3,
		MaxBackoff:      time.Hour,
		SendTimeout:     time.Second,
		PersistencePath: path,
	}, func(ctx context.Context) (connmgr.Radio, error) {
		if radioErr != nil {
			return nil, radioErr
		}
		return radio, nil
	}, nil)
}

func TestNewNodeTriggersTracerouteAndRefreshIsDeduped(t *testing.T) {
	var sent atomic.Int32
	radio := &stubRadio{sendTraceroute: func(string, int) error {
		sent.Add(1)
		return nil
	}}
	m := newTestManager(t, radio, nil)

	m.ProcessPacketForTraceroutes("!abcd1234", true)
	require.Equal(t, 1, m.QueueSize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return sent.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.state.LastSentAt["!abcd1234"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// A second packet from the now-known node (isNew=false) within Interval
	// must not re-queue.
	m.ProcessPacketForTraceroutes("!abcd1234", false)
	require.Equal(t, 0, m.QueueSize())

	m.Cleanup()
}

func TestRecordFailure_AppliesBackoffFormula(t *testing.T) {
	m := newTestManager(t, &stubRadio{}, nil)

	require.Equal(t, 1, m.recordFailure("!node"))
	require.False(t, m.inBackoff("!node"), "f<2 means zero backoff")

	require.Equal(t, 2, m.recordFailure("!node"))
	require.True(t, m.inBackoff("!node"), "f=2 means backoff = interval*2^0")
}

func TestRecordSuccess_ClearsFailureAndBackoff(t *testing.T) {
	m := newTestManager(t, &stubRadio{}, nil)
	m.recordFailure("!node")
	m.recordFailure("!node")
	require.True(t, m.inBackoff("!node"))

	m.RecordSuccess("!node")
	require.False(t, m.inBackoff("!node"))
	m.mu.Lock()
	_, hasFailures := m.state.ConsecutiveFailures["!node"]
	m.mu.Unlock()
	require.False(t, hasFailures)
}

func TestWorkerLoop_ConnectionErrorReenqueuesWithoutPenalty(t *testing.T) {
	m := newTestManager(t, nil, errors.New("radio not ready"))
	m.enqueue("!node", 0)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, hasFailure := m.state.ConsecutiveFailures["!node"]
		m.mu.Unlock()
		return !hasFailure && m.q.Size() >= 0
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	_, hasFailure := m.state.ConsecutiveFailures["!node"]
	m.mu.Unlock()
	require.False(t, hasFailure)

	cancel()
	m.Cleanup()
}

func TestWorkerLoop_FailureRetriesUpToMaxThenStops(t *testing.T) {
	var attempts atomic.Int32
	radio := &stubRadio{sendTraceroute: func(string, int) error {
		attempts.Add(1)
		return errors.New("no reply")
	}}
	m := newTestManager(t, radio, nil)
	// Cap backoff at zero so the retry cap, not the one-hour backoff the
	// second failure would otherwise apply, is what ends the retries.
	m.cfg.MaxBackoff = 0
	m.enqueue("!node", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		f := m.state.ConsecutiveFailures["!node"]
		m.mu.Unlock()
		return f >= m.cfg.MaxRetries
	}, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		return attempts.Load() > int32(m.cfg.MaxRetries)
	}, 100*time.Millisecond, 5*time.Millisecond)

	m.Cleanup()
}

func TestWorkerLoop_BrokenPipeFromSendReenqueuesWithoutPenalty(t *testing.T) {
	var attempts atomic.Int32
	radio := &stubRadio{sendTraceroute: func(string, int) error {
		attempts.Add(1)
		return fmt.Errorf("sending traceroute packet: %w: %w", connmgr.ErrNotConnected, errors.New("broken pipe"))
	}}
	m := newTestManager(t, radio, nil)
	m.enqueue("!node", 0)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	_, hasFailure := m.state.ConsecutiveFailures["!node"]
	m.mu.Unlock()
	require.False(t, hasFailure, "a connection-level error must not count against the node's retry budget")

	cancel()
	m.Cleanup()
}

func TestBackoffDuration_Formula(t *testing.T) {
	interval := time.Hour
	maxBackoff := 3 * time.Hour

	require.Equal(t, time.Duration(0), backoffDuration(interval, maxBackoff, 0))
	require.Equal(t, time.Duration(0), backoffDuration(interval, maxBackoff, 1))
	require.Equal(t, interval, backoffDuration(interval, maxBackoff, 2))
	require.Equal(t, 2*interval, backoffDuration(interval, maxBackoff, 3))
	require.Equal(t, maxBackoff, backoffDuration(interval, maxBackoff, 10))
}

func TestCleanup_PersistsStateWithinBound(t *testing.T) {
	m := newTestManager(t, &stubRadio{}, nil)
	m.markSent("!node")

	start := time.Now()
	m.Cleanup()
	require.Less(t, time.Since(start), 3*time.Second)
}
