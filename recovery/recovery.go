// Package recovery centralizes failure handling for the sync stack. Failures
// are reported as typed records, queued by strategy priority, and retried
// serially with exponential backoff until they resolve or exhaust their
// attempts.
package recovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/collabcanvas/go-canvas-sync/logging"
)

// ErrorType classifies a reported failure and selects its strategy.
type ErrorType string

const (
	TypeNetwork ErrorType = "network"
	TypeSync    ErrorType = "sync"
	TypeQuery   ErrorType = "query"
	TypeCanvas  ErrorType = "canvas"
	TypeMemory  ErrorType = "memory"
)

// IsCritical reports whether a failure of this type endangers the whole
// session. Only connectivity loss qualifies; everything else degrades a
// single feature.
func (t ErrorType) IsCritical() bool {
	return t == TypeNetwork
}

// Record is one reported failure tracked through its retry lifecycle.
type Record struct {
	ID         string
	Type       ErrorType
	Message    string
	Timestamp  time.Time
	RetryCount int
	MaxRetries int
	Context    map[string]string
}

func (r *Record) clone() Record {
	out := *r
	if r.Context != nil {
		out.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	return out
}

// Action attempts to repair one failure. A nil return resolves the record.
type Action func(ctx context.Context, rec Record) error

// Strategy binds an ErrorType to its repair behavior. Lower Priority values
// drain first.
type Strategy struct {
	Action      Action
	Priority    int
	MaxAttempts int
}

// Options configures a Manager.
type Options struct {
	// BaseDelay and MaxDelay shape the retry backoff curve.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// AttemptTimeout bounds a single strategy action.
	AttemptTimeout time.Duration

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Manager runs the recovery loop.
type Manager struct {
	opts   Options
	logger *logging.Logger

	mu           sync.Mutex
	strategies   map[ErrorType]Strategy
	queue        []*Record
	active       map[string]*Record
	timers       map[string]*time.Timer
	seq          int
	autoRecovery bool

	onUnresolved func(Record)
	onResolved   func(Record)

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewManager builds a Manager. Call Start to run the drain loop.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:         opts,
		logger:       opts.Logger.WithComponent(logging.ComponentRecovery),
		strategies:   make(map[ErrorType]Strategy),
		active:       make(map[string]*Record),
		timers:       make(map[string]*time.Timer),
		autoRecovery: true,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// RegisterStrategy installs the repair behavior for an error type,
// replacing any previous strategy.
func (m *Manager) RegisterStrategy(t ErrorType, s Strategy) {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	m.mu.Lock()
	m.strategies[t] = s
	m.mu.Unlock()
}

// SetAutoRecovery toggles automatic strategy execution. While disabled,
// reported failures are recorded in the active set but no repair runs until
// the host resolves them or re-enables recovery.
func (m *Manager) SetAutoRecovery(enabled bool) {
	m.mu.Lock()
	m.autoRecovery = enabled
	m.mu.Unlock()
}

// OnUnresolved registers the callback for records that exhaust their
// attempts. The record passed is a copy.
func (m *Manager) OnUnresolved(fn func(Record)) {
	m.mu.Lock()
	m.onUnresolved = fn
	m.mu.Unlock()
}

// OnResolved registers the callback for successfully repaired records.
func (m *Manager) OnResolved(fn func(Record)) {
	m.mu.Lock()
	m.onResolved = fn
	m.mu.Unlock()
}

// Report files a failure for recovery and returns its record ID. Failures
// with no registered strategy go straight to the unresolved callback.
func (m *Manager) Report(t ErrorType, message string, context map[string]string) string {
	m.mu.Lock()
	m.seq++
	rec := &Record{
		ID:        fmt.Sprintf("rec-%d", m.seq),
		Type:      t,
		Message:   message,
		Timestamp: m.now(),
		Context:   context,
	}
	strat, ok := m.strategies[t]
	if !ok {
		unresolved := m.onUnresolved
		m.mu.Unlock()
		m.logger.Warn("no strategy for failure", "type", string(t), "message", message)
		if unresolved != nil {
			unresolved(rec.clone())
		}
		return rec.ID
	}
	rec.MaxRetries = strat.MaxAttempts
	m.active[rec.ID] = rec
	auto := m.autoRecovery
	if auto {
		m.enqueueLocked(rec)
	}
	m.mu.Unlock()

	if t.IsCritical() {
		m.logger.Error("critical failure reported", "id", rec.ID, "message", message)
	} else {
		m.logger.Info("failure reported", "id", rec.ID, "type", string(t))
	}
	if auto {
		m.kick()
	} else {
		m.logger.Warn("auto-recovery disabled, failure recorded only", "id", rec.ID)
	}
	return rec.ID
}

// Resolve withdraws a record, for callers whose failure healed on its own.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	rec, ok := m.active[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("failure resolved externally", "id", rec.ID)
	}
	return ok
}

// Pending reports how many records are unresolved, including exhausted ones
// still awaiting an explicit Resolve.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveRecords lists copies of every unresolved record.
func (m *Manager) ActiveRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the serial drain loop.
func (m *Manager) Start() {
	go m.drain()
}

// Stop halts the drain loop and cancels pending retry timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func (m *Manager) drain() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			for {
				select {
				case <-m.stop:
					return
				default:
				}
				rec, strat, ok := m.next()
				if !ok {
					break
				}
				m.attempt(rec, strat)
			}
		}
	}
}

// next pops the queued record with the lowest strategy priority.
func (m *Manager) next() (*Record, Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, Strategy{}, false
	}
	rec := m.queue[0]
	m.queue = m.queue[1:]
	return rec, m.strategies[rec.Type], true
}

func (m *Manager) attempt(rec *Record, strat Strategy) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AttemptTimeout)
	err := strat.Action(ctx, rec.clone())
	cancel()

	m.mu.Lock()
	if _, stillActive := m.active[rec.ID]; !stillActive {
		// Resolved externally while the action ran.
		m.mu.Unlock()
		return
	}
	if err == nil {
		resolved := m.onResolved
		m.removeLocked(rec.ID)
		snapshot := rec.clone()
		m.mu.Unlock()
		m.logger.Info("failure recovered", "id", rec.ID, "attempts", rec.RetryCount+1)
		if resolved != nil {
			resolved(snapshot)
		}
		return
	}

	rec.RetryCount++
	if rec.RetryCount >= rec.MaxRetries {
		// Exhausted records stay in the active set, queryable and
		// resolvable by the host, until Resolve withdraws them. They
		// only leave the retry queue.
		unresolved := m.onUnresolved
		snapshot := rec.clone()
		m.mu.Unlock()
		m.logger.Error("failure unresolved after max attempts",
			"id", rec.ID, "type", string(rec.Type), "error", err.Error())
		if unresolved != nil {
			unresolved(snapshot)
		}
		return
	}

	delay := m.backoff(rec.RetryCount)
	m.timers[rec.ID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, rec.ID)
		if _, stillActive := m.active[rec.ID]; stillActive {
			m.enqueueLocked(rec)
		}
		m.mu.Unlock()
		m.kick()
	})
	m.mu.Unlock()
	m.logger.Warn("retrying failure", "id", rec.ID,
		"attempt", rec.RetryCount, "delay", delay.String(), "error", err.Error())
}

// enqueueLocked inserts the record keeping the queue sorted by ascending
// strategy priority, then report time.
func (m *Manager) enqueueLocked(rec *Record) {
	prio := func(r *Record) int { return m.strategies[r.Type].Priority }
	idx := sort.Search(len(m.queue), func(i int) bool {
		if prio(m.queue[i]) != prio(rec) {
			return prio(m.queue[i]) > prio(rec)
		}
		return m.queue[i].Timestamp.After(rec.Timestamp)
	})
	m.queue = append(m.queue, nil)
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = rec
}

func (m *Manager) removeLocked(id string) {
	delete(m.active, id)
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
	for i, rec := range m.queue {
		if rec.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(m.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(m.opts.MaxDelay) || delay <= 0 {
		return m.opts.MaxDelay
	}
	return time.Duration(delay)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
