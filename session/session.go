// Package session wires the replicated store, the awareness channel, the
// transport client, the local cache, and the recovery manager into one
// collaborative canvas session for a single room.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/collabcanvas/go-canvas-sync/awareness"
	sqlitecache "github.com/collabcanvas/go-canvas-sync/cache/sqlite"
	"github.com/collabcanvas/go-canvas-sync/config"
	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/recovery"
	"github.com/collabcanvas/go-canvas-sync/store"
	"github.com/collabcanvas/go-canvas-sync/transport/ws"
	"github.com/collabcanvas/go-canvas-sync/viewport"
	"github.com/collabcanvas/go-canvas-sync/wire"
)

// Identity describes the local collaborator as peers will see them.
type Identity struct {
	UserID string
	Name   string
	Color  string
}

// Options configures a Session.
type Options struct {
	Identity Identity
	RoomID   string

	// Config supplies tuning knobs; nil means defaults.
	Config *config.Config

	// Cache, when set, persists the document locally so the room can be
	// reopened offline. The session does not close it.
	Cache *sqlitecache.Store

	// ConnID overrides the generated connection ID, mainly for tests.
	ConnID string

	// PersistDebounce coalesces cache writes after document changes.
	PersistDebounce time.Duration

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Config == nil {
		o.Config = config.DefaultConfig()
	}
	if o.ConnID == "" {
		o.ConnID = randomConnID()
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Session is one user's live connection to one room.
type Session struct {
	opts   Options
	logger *logging.Logger

	store     *store.Store
	awareness *awareness.Channel
	client    *ws.Client
	recovery  *recovery.Manager
	viewport  *viewport.Manager
	cache     *sqlitecache.Store

	mu           sync.Mutex
	closed       bool
	bootstrapped bool // received at least one relay snapshot
	persistTimer *time.Timer
	unsubs       []func()
}

// New assembles a Session. Nothing touches the network until Connect.
func New(opts Options) (*Session, error) {
	if opts.Identity.UserID == "" {
		return nil, syncerrors.NewValidationError(syncerrors.OpConnect,
			fmt.Errorf("identity user ID cannot be empty"))
	}
	if opts.RoomID == "" {
		return nil, syncerrors.NewValidationError(syncerrors.OpConnect,
			fmt.Errorf("room ID cannot be empty"))
	}
	opts.setDefaults()
	if opts.Config.Sync.Endpoint == "" {
		return nil, syncerrors.NewValidationError(syncerrors.OpConnect,
			fmt.Errorf("sync endpoint is not configured"))
	}

	logger := opts.Logger.WithRoom(opts.RoomID)

	doc, err := store.New(opts.ConnID, logger)
	if err != nil {
		return nil, err
	}

	presence, err := awareness.New(opts.ConnID,
		opts.Identity.UserID, opts.Identity.Name, opts.Identity.Color,
		awareness.Options{
			CursorThrottle:    opts.Config.Awareness.CursorThrottle,
			InactivityTimeout: opts.Config.Awareness.InactivityTimeout,
			Logger:            logger,
		})
	if err != nil {
		return nil, err
	}

	client, err := ws.NewClient(ws.Options{
		URL:                  roomURL(opts.Config.Sync.Endpoint, opts.RoomID, opts.ConnID),
		MaxReconnectAttempts: opts.Config.Sync.MaxReconnectAttempts,
		BaseDelay:            opts.Config.Sync.ReconnectBaseDelay,
		MaxDelay:             opts.Config.Sync.ReconnectMaxDelay,
		HeartbeatInterval:    opts.Config.Sync.HeartbeatInterval,
		HeartbeatTimeout:     opts.Config.Sync.HeartbeatTimeout,
		QueueLimit:           opts.Config.Sync.QueueCapacity,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:      opts,
		logger:    logger.WithComponent(logging.ComponentSession),
		store:     doc,
		awareness: presence,
		client:    client,
		recovery:  recovery.NewManager(recovery.Options{Logger: logger}),
		viewport: viewport.NewManager(viewport.Options{
			SweepInterval:     opts.Config.Memory.SweepInterval,
			IdleTimeout:       opts.Config.Memory.IdleTimeout,
			PressureThreshold: opts.Config.Memory.PressureThreshold,
			BufferMargin:      opts.Config.Memory.BufferMargin,
			MaxTracked:        opts.Config.Memory.MaxTrackedElements,
			Logger:            logger,
		}),
		cache: opts.Cache,
	}
	s.wire()
	return s, nil
}

// wire connects the component callbacks. Local document edits and awareness
// blobs flow out through the transport; inbound frames are demultiplexed by
// wire kind.
func (s *Session) wire() {
	s.unsubs = append(s.unsubs, s.store.OnDelta(func(body []byte) {
		s.client.Send(wire.KindDelta, body)
	}))
	s.unsubs = append(s.unsubs, s.store.OnChange(func(ch store.Change) {
		switch ch.Kind {
		case store.ChangeCreated, store.ChangeUpdated:
			s.viewport.Track(ch.Element)
		case store.ChangeRemoved:
			s.viewport.Forget(ch.ElementID)
		}
		s.schedulePersist()
	}))

	s.awareness.OnPublish(func(blob []byte) {
		s.client.Send(wire.KindAwareness, blob)
	})

	s.client.OnMessage(s.handleFrame)
	s.client.OnStateChange(s.handleTransportEvent)

	// Connectivity loss is the one failure class that endangers the whole
	// session; its strategy is simply to re-dial.
	s.recovery.RegisterStrategy(recovery.TypeNetwork, recovery.Strategy{
		Priority:    0,
		MaxAttempts: 5,
		Action: func(ctx context.Context, _ recovery.Record) error {
			return s.client.Connect(ctx)
		},
	})
	// Divergence repairs itself by asking the relay for a fresh snapshot.
	s.recovery.RegisterStrategy(recovery.TypeSync, recovery.Strategy{
		Priority:    1,
		MaxAttempts: 3,
		Action: func(context.Context, recovery.Record) error {
			if !s.client.Send(wire.KindSnapshotRequest, nil) {
				return fmt.Errorf("snapshot request queued while offline")
			}
			return nil
		},
	})
}

func (s *Session) handleFrame(msg wire.Message) {
	switch msg.Kind {
	case wire.KindDelta:
		if err := s.store.ApplyDelta(msg.Body); err != nil {
			s.recovery.Report(recovery.TypeSync, "remote delta rejected",
				map[string]string{"room": s.opts.RoomID, "error": err.Error()})
		}

	case wire.KindSnapshot:
		s.reconcileSnapshot(msg.Body)

	case wire.KindAwareness:
		// Malformed blobs are logged and dropped inside the channel.
		_ = s.awareness.ApplyRemote(msg.Body)

	default:
		s.logger.Warn("ignoring frame of unexpected kind", "kind", msg.Kind.String())
	}
}

// reconcileSnapshot folds a relay snapshot into the local replica. Under the
// default "merge" policy offline edits survive; under "latest" the relay
// state wins wholesale.
func (s *Session) reconcileSnapshot(body []byte) {
	s.mu.Lock()
	first := !s.bootstrapped
	s.bootstrapped = true
	s.mu.Unlock()

	if s.opts.Config.Sync.ConflictPolicy == "latest" && first {
		s.store.Reset()
	}
	if err := s.store.LoadSnapshot(body); err != nil {
		s.recovery.Report(recovery.TypeSync, "relay snapshot rejected",
			map[string]string{"room": s.opts.RoomID, "error": err.Error()})
		return
	}
	s.logger.Info("snapshot reconciled",
		"policy", s.opts.Config.Sync.ConflictPolicy, "elements", s.store.Len())
}

func (s *Session) handleTransportEvent(ev ws.Event, st ws.Status) {
	switch ev {
	case ws.EventConnected:
		// Ask for the authoritative state and re-announce our presence.
		s.client.Send(wire.KindSnapshotRequest, nil)
		s.awareness.UpdatePresence(awareness.PresenceUpdate{})

	case ws.EventMaxAttemptsReached:
		detail := map[string]string{"room": s.opts.RoomID}
		if st.LastError != nil {
			detail["error"] = st.LastError.Error()
		}
		s.recovery.Report(recovery.TypeNetwork, "connection attempts exhausted", detail)
	}
}

// Connect loads the cached document, starts the recovery loop, and dials the
// relay. Edits made before or during connection are queued and replayed.
func (s *Session) Connect(ctx context.Context) error {
	if s.cache != nil {
		state, found, err := s.cache.Load(ctx, s.opts.RoomID)
		if err != nil {
			s.logger.Warn("cache load failed", "error", err.Error())
		} else if found {
			if err := s.store.LoadSnapshot(state); err != nil {
				s.logger.Warn("cached document rejected", "error", err.Error())
			} else {
				s.logger.Info("document restored from cache", "elements", s.store.Len())
			}
		}
	}

	s.recovery.Start()
	s.viewport.Start()
	return s.client.Connect(ctx)
}

// schedulePersist arms the debounced cache write.
func (s *Session) schedulePersist() {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.opts.PersistDebounce, s.persistNow)
}

func (s *Session) persistNow() {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.Persist(ctx, s.opts.RoomID, s.store.Snapshot()); err != nil {
		s.recovery.Report(recovery.TypeQuery, "document persist failed",
			map[string]string{"room": s.opts.RoomID, "error": err.Error()})
	}
}

// Close flushes the cache, tears down the transport, and stops the recovery
// loop. The session cannot be reused afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	if s.cache != nil {
		s.persistNow()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.client.Disconnect()
	s.recovery.Stop()
	s.viewport.Stop()
	s.logger.Info("session closed", "room", s.opts.RoomID)
	return nil
}

// Store exposes the replicated document.
func (s *Session) Store() *store.Store { return s.store }

// Awareness exposes the presence channel.
func (s *Session) Awareness() *awareness.Channel { return s.awareness }

// Transport exposes the websocket client.
func (s *Session) Transport() *ws.Client { return s.client }

// Recovery exposes the error recovery manager.
func (s *Session) Recovery() *recovery.Manager { return s.recovery }

// Viewport exposes the memory manager tracking the document's elements.
func (s *Session) Viewport() *viewport.Manager { return s.viewport }

// ConnID returns the session's connection identity.
func (s *Session) ConnID() string { return s.opts.ConnID }

// Status reports the transport connection state.
func (s *Session) Status() ws.Status { return s.client.Status() }

func roomURL(endpoint, roomID, connID string) string {
	return fmt.Sprintf("%s/%s?conn=%s",
		strings.TrimSuffix(endpoint, "/"),
		url.PathEscape(roomID),
		url.QueryEscape(connID))
}

func randomConnID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
