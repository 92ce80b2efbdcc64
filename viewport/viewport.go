// Package viewport tracks which canvas elements are worth keeping hot in
// memory. It watches the camera rectangle, expires entries that have not been
// touched for a while, and sheds the coldest off-screen entries when memory
// pressure climbs. It only decides; the owner reacts to eviction callbacks.
package viewport

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/store"
)

// Options configures a Manager.
type Options struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// IdleTimeout is how long an off-viewport entry may go untouched
	// before the sweep evicts it.
	IdleTimeout time.Duration

	// PressureThreshold is the memory pressure level (0..1) above which
	// the sweep sheds cold entries even before they go idle.
	PressureThreshold float64

	// EvictFraction is the share of off-viewport entries shed per sweep
	// under pressure, oldest access first.
	EvictFraction float64

	// BufferMargin widens the viewport rectangle on every side so entries
	// just off screen stay hot through small pans.
	BufferMargin float64

	// MaxTracked caps the number of tracked entries. Tracking past the cap
	// sheds the coldest evictable entry, off-viewport first.
	MaxTracked int

	// MemoryBudgetBytes anchors the default pressure probe: pressure is
	// heap-in-use divided by this budget.
	MemoryBudgetBytes uint64

	// Pressure overrides the probe, mainly for tests.
	Pressure func() float64

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.PressureThreshold <= 0 {
		o.PressureThreshold = 0.80
	}
	if o.EvictFraction <= 0 {
		o.EvictFraction = 0.20
	}
	if o.BufferMargin < 0 {
		o.BufferMargin = 0
	}
	if o.MaxTracked <= 0 {
		o.MaxTracked = 10000
	}
	if o.MemoryBudgetBytes == 0 {
		o.MemoryBudgetBytes = 512 << 20
	}
	if o.Pressure == nil {
		budget := o.MemoryBudgetBytes
		o.Pressure = func() float64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return float64(ms.HeapInuse) / float64(budget)
		}
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// entry is the bookkeeping for one tracked element.
type entry struct {
	bounds     store.Rect
	boundless  bool
	lastAccess time.Time
}

// Stats summarizes a Manager's state.
type Stats struct {
	Tracked   int
	Evictions int
}

// Manager implements the eviction policy over a set of element IDs.
type Manager struct {
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	view      store.Rect
	entries   map[string]*entry
	evictions int
	onEvict   func(ids []string)

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

// NewManager builds a Manager. Call Start to run the background sweep.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.WithComponent(logging.ComponentViewport),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// OnEvict registers the callback invoked with the IDs shed by each sweep.
// It must be set before Start.
func (m *Manager) OnEvict(fn func(ids []string)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// Start launches the periodic sweep.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweep. Tracked state stays queryable.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Track records an element's bounds and marks it freshly accessed. Elements
// without finite bounds are pinned: they count as visible everywhere and are
// never evicted. At the tracking cap the coldest evictable entry is shed to
// make room.
func (m *Manager) Track(el *store.Element) {
	bounds, ok := el.Bounds()
	m.mu.Lock()
	var shed []string
	if _, exists := m.entries[el.ID]; !exists && len(m.entries) >= m.opts.MaxTracked {
		if victim, found := m.coldestEvictableLocked(); found {
			delete(m.entries, victim)
			m.evictions++
			shed = []string{victim}
		}
	}
	m.entries[el.ID] = &entry{
		bounds:     bounds,
		boundless:  !ok,
		lastAccess: m.now(),
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if len(shed) > 0 {
		m.logger.Debug("tracking cap reached, shed coldest entry", "evicted", shed[0])
		if onEvict != nil {
			onEvict(shed)
		}
	}
}

// coldestEvictableLocked picks the entry with the oldest access time,
// preferring off-viewport entries and skipping pinned ones.
func (m *Manager) coldestEvictableLocked() (string, bool) {
	buffered := m.bufferedViewLocked()
	var victim string
	var victimAt time.Time
	victimOff := false
	for id, e := range m.entries {
		if e.boundless {
			continue
		}
		off := !e.bounds.Intersects(buffered)
		if victim != "" {
			if off != victimOff {
				if !off {
					continue
				}
			} else if !e.lastAccess.Before(victimAt) {
				continue
			}
		}
		victim, victimAt, victimOff = id, e.lastAccess, off
	}
	return victim, victim != ""
}

// Touch refreshes an element's access time. Unknown IDs are ignored.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.lastAccess = m.now()
	}
	m.mu.Unlock()
}

// Forget drops an element from tracking without counting an eviction.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// UpdateViewport moves the camera rectangle. Entries that land inside the
// new viewport are refreshed so a pan does not immediately expire them.
func (m *Manager) UpdateViewport(view store.Rect) {
	now := m.now()
	m.mu.Lock()
	m.view = view
	buffered := m.bufferedViewLocked()
	for _, e := range m.entries {
		if e.boundless || e.bounds.Intersects(buffered) {
			e.lastAccess = now
		}
	}
	m.mu.Unlock()
}

// Visible reports whether a tracked element intersects the buffered viewport.
// Untracked IDs report false.
func (m *Manager) Visible(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	return e.boundless || e.bounds.Intersects(m.bufferedViewLocked())
}

// VisibleIDs returns the tracked IDs inside the buffered viewport, sorted.
func (m *Manager) VisibleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffered := m.bufferedViewLocked()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.boundless || e.bounds.Intersects(buffered) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats reports tracking and eviction totals.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Tracked: len(m.entries), Evictions: m.evictions}
}

// Sweep runs one eviction pass: idle off-viewport entries always go, and
// under memory pressure the coldest fraction of the remaining off-viewport
// entries goes too.
func (m *Manager) Sweep() {
	pressure := m.opts.Pressure()
	now := m.now()

	m.mu.Lock()
	buffered := m.bufferedViewLocked()

	var evicted []string
	type cold struct {
		id         string
		lastAccess time.Time
	}
	var offscreen []cold

	for id, e := range m.entries {
		if e.boundless || e.bounds.Intersects(buffered) {
			continue
		}
		if now.Sub(e.lastAccess) >= m.opts.IdleTimeout {
			evicted = append(evicted, id)
			continue
		}
		offscreen = append(offscreen, cold{id: id, lastAccess: e.lastAccess})
	}

	if pressure >= m.opts.PressureThreshold && len(offscreen) > 0 {
		sort.Slice(offscreen, func(i, j int) bool {
			return offscreen[i].lastAccess.Before(offscreen[j].lastAccess)
		})
		n := int(float64(len(offscreen)) * m.opts.EvictFraction)
		if n < 1 {
			n = 1
		}
		for _, c := range offscreen[:n] {
			evicted = append(evicted, c.id)
		}
	}

	for _, id := range evicted {
		delete(m.entries, id)
	}
	m.evictions += len(evicted)
	onEvict := m.onEvict
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	sort.Strings(evicted)
	m.logger.Debug("swept cold elements",
		"evicted", len(evicted), "pressure", pressure)
	if onEvict != nil {
		onEvict(evicted)
	}
}

func (m *Manager) bufferedViewLocked() store.Rect {
	margin := m.opts.BufferMargin
	return store.Rect{
		X: m.view.X - margin,
		Y: m.view.Y - margin,
		W: m.view.W + 2*margin,
		H: m.view.H + 2*margin,
	}
}
