// Package traceroute implements the TracerouteManager component of
// spec.md §4.5: a single-worker, globally rate-limited scheduler that
// drives the radio's traceroute operation for every known node, with
// per-node exponential backoff and atomic on-disk persistence.
package traceroute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nhmesh/bridge/internal/connmgr"
	"github.com/nhmesh/bridge/internal/persistence"
	"github.com/nhmesh/bridge/internal/queue"
	"github.com/nhmesh/bridge/internal/status"
)

// Config holds TracerouteManager's tunables, spec.md §4.5.
type Config struct {
	Interval        time.Duration // default 12h, per-node refresh
	Cooldown        time.Duration // default 3m, global between any two sends
	MaxRetries      int           // default 3
	MaxBackoff      time.Duration // default 24h
	SendTimeout     time.Duration // default 30s
	PersistencePath string
	HopLimit        int // default 7, radio traceroute hop limit

	// MaxConcurrentSends is accepted for forward compatibility but unused:
	// the worker stays a single goroutine since Cooldown already
	// serializes every send across all nodes.
	MaxConcurrentSends int
}

func (c *Config) setDefaults() {
	if c.Interval == 0 {
		c.Interval = 12 * time.Hour
	}
	if c.Cooldown == 0 {
		c.Cooldown = 3 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 24 * time.Hour
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.HopLimit == 0 {
		c.HopLimit = 7
	}
	if c.PersistencePath == "" {
		c.PersistencePath = "/tmp/traceroute_state.json"
	}
}

// RadioProvider hands the manager a ready Radio interface, or an error if
// none is currently available — ConnectionManager.GetReadyInterface.
type RadioProvider func(ctx context.Context) (connmgr.Radio, error)

// job is a single queued traceroute attempt.
type job struct {
	nodeID  string
	retries int
}

// Manager drives traceroute probes for discovered nodes.
type Manager struct {
	cfg      Config
	getRadio RadioProvider
	log      *log.Logger
	stats    *status.Stats

	mu             sync.Mutex
	state          *persistence.State
	lastGlobalSend time.Time

	q *queue.Queue[job]

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Manager, loading persisted state from cfg.PersistencePath.
// stats may be nil, in which case counter reporting is skipped.
func New(cfg Config, getRadio RadioProvider, stats *status.Stats) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		getRadio: getRadio,
		log:      log.With("component", "traceroute"),
		stats:    stats,
		state:    persistence.Load(cfg.PersistencePath),
		q:        queue.New[job](func(j job) any { return j.nodeID }),
		stopCh:   make(chan struct{}),
	}
	m.reportStats()
	return m
}

// reportStats pushes the current queue depth and backed-off node count to
// the shared status.Stats, if one was supplied.
func (m *Manager) reportStats() {
	if m.stats == nil {
		return
	}
	m.stats.SetTracerouteQueueSize(m.q.Size())
	m.stats.SetTracerouteBackedOff(m.backedOffCount())
}

func (m *Manager) backedOffCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	n := 0
	for _, until := range m.state.BackoffUntil {
		if until > now {
			n++
		}
	}
	return n
}

// Start launches the single worker goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.workerLoop(ctx)
}

// ProcessPacketForTraceroutes implements spec.md §4.5's
// processPacketForTraceroutes: queues a traceroute for a newly-seen node,
// and separately queues a refresh for any node whose last send predates
// cfg.Interval, provided the node is not presently in backoff.
func (m *Manager) ProcessPacketForTraceroutes(nodeID string, isNew bool) {
	if nodeID == "" {
		return
	}
	if isNew && !m.inBackoff(nodeID) {
		m.enqueue(nodeID, 0)
	}

	m.mu.Lock()
	last, hasLast := m.state.LastSentAt[nodeID]
	m.mu.Unlock()
	if hasLast && time.Since(time.Unix(last, 0)) > m.cfg.Interval && !m.inBackoff(nodeID) {
		m.enqueue(nodeID, 0)
	}
}

// QueueTraceroute is a manual trigger subject to the same backoff rules.
func (m *Manager) QueueTraceroute(nodeID string) bool {
	if m.inBackoff(nodeID) {
		return false
	}
	return m.enqueue(nodeID, 0)
}

func (m *Manager) enqueue(nodeID string, retries int) bool {
	offered := m.q.Offer(job{nodeID: nodeID, retries: retries})
	m.reportStats()
	return offered
}

func (m *Manager) inBackoff(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.state.BackoffUntil[nodeID]
	return ok && time.Now().Unix() < until
}

// RecordSuccess implements spec.md §4.5's recordSuccess: it clears all
// failure/backoff bookkeeping and persists. Per the "Success accounting"
// note, the send itself — not a later reply — already bumped lastSentAt.
func (m *Manager) RecordSuccess(nodeID string) {
	m.mu.Lock()
	delete(m.state.ConsecutiveFailures, nodeID)
	delete(m.state.BackoffUntil, nodeID)
	state := m.state
	m.mu.Unlock()

	if err := persistence.Save(m.cfg.PersistencePath, state); err != nil {
		m.log.Warn("failed to persist traceroute state after success", "nodeId", nodeID, "err", err)
	}
	m.reportStats()
}

// recordFailure increments the per-node failure counter and applies the
// backoff formula: backoff(f) = 0 for f<2, else min(interval*2^(f-2), maxBackoff).
func (m *Manager) recordFailure(nodeID string) int {
	m.mu.Lock()
	m.state.ConsecutiveFailures[nodeID]++
	failures := m.state.ConsecutiveFailures[nodeID]
	backoff := backoffDuration(m.cfg.Interval, m.cfg.MaxBackoff, failures)
	if backoff > 0 {
		m.state.BackoffUntil[nodeID] = time.Now().Add(backoff).Unix()
	}
	state := m.state
	m.mu.Unlock()

	if err := persistence.Save(m.cfg.PersistencePath, state); err != nil {
		m.log.Warn("failed to persist traceroute state after failure", "nodeId", nodeID, "err", err)
	}
	m.reportStats()
	return failures
}

func backoffDuration(interval, maxBackoff time.Duration, failures int) time.Duration {
	if failures < 2 {
		return 0
	}
	d := time.Duration(float64(interval) * math.Pow(2, float64(failures-2)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (m *Manager) markSent(nodeID string) {
	m.mu.Lock()
	m.state.LastSentAt[nodeID] = time.Now().Unix()
	state := m.state
	m.mu.Unlock()

	if err := persistence.Save(m.cfg.PersistencePath, state); err != nil {
		m.log.Warn("failed to persist traceroute state after send", "nodeId", nodeID, "err", err)
	}
}

var errConnectionUnavailable = errors.New("no ready radio interface")

// workerLoop is the single consumer spec.md §4.5 calls for.
func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		j, ok := m.q.Take(ctx, time.Second)
		if !ok {
			continue
		}

		if m.inBackoff(j.nodeID) {
			m.enqueue(j.nodeID, j.retries)
			m.interruptibleSleep(ctx, 5*time.Second)
			continue
		}

		m.waitForCooldown(ctx)

		if err := m.send(ctx, j.nodeID); err != nil {
			if errors.Is(err, errConnectionUnavailable) {
				m.log.Debug("no ready radio interface, re-queuing without penalty", "nodeId", j.nodeID)
				m.enqueue(j.nodeID, j.retries)
				continue
			}

			failures := m.recordFailure(j.nodeID)
			m.log.Warn("traceroute send failed", "nodeId", j.nodeID, "failures", failures, "err", err)

			select {
			case <-m.stopCh:
				continue
			case <-ctx.Done():
				continue
			default:
			}
			if failures < m.cfg.MaxRetries {
				m.enqueue(j.nodeID, j.retries+1)
			}
			continue
		}

		m.markSent(j.nodeID)
	}
}

// waitForCooldown enforces the global minimum interval between any two
// traceroute send attempts, napping in <=1s increments so shutdown stays
// responsive.
func (m *Manager) waitForCooldown(ctx context.Context) {
	for {
		m.mu.Lock()
		elapsed := time.Since(m.lastGlobalSend)
		m.mu.Unlock()

		if elapsed >= m.cfg.Cooldown {
			return
		}
		remaining := m.cfg.Cooldown - elapsed
		nap := remaining
		if nap > time.Second {
			nap = time.Second
		}
		if !m.interruptibleSleep(ctx, nap) {
			return
		}
	}
}

// interruptibleSleep sleeps for d or until shutdown/ctx cancellation,
// returning false if interrupted.
func (m *Manager) interruptibleSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// send issues the bounded-timeout traceroute and marks lastGlobalSend
// before the call so a failure still costs a cooldown slot.
func (m *Manager) send(ctx context.Context, nodeID string) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	radio, err := m.getRadio(sendCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", errConnectionUnavailable, err)
	}

	m.mu.Lock()
	m.lastGlobalSend = time.Now()
	m.mu.Unlock()

	if m.stats != nil {
		m.stats.IncTraceroutesSent()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- radio.SendTraceroute(nodeID, m.cfg.HopLimit)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			if errors.Is(err, connmgr.ErrNotConnected) {
				return fmt.Errorf("%w: %v", errConnectionUnavailable, err)
			}
			return fmt.Errorf("sending traceroute to %s: %w", nodeID, err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("traceroute to %s timed out after %s", nodeID, m.cfg.SendTimeout)
	}
}

// QueueSize reports the number of pending jobs, used by tests and status
// reporting.
func (m *Manager) QueueSize() int {
	return m.q.Size()
}

// Cleanup implements spec.md §4.5's cleanup(): it stops the worker and
// persists final state, completing in bounded time even if a send is stuck.
func (m *Manager) Cleanup() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.q.Close()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			m.log.Warn("traceroute worker did not stop promptly, persisting state anyway")
		}

		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if err := persistence.Save(m.cfg.PersistencePath, state); err != nil {
			m.log.Error("failed to persist final traceroute state", "err", err)
		}
	})
}
