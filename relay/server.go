package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/wire"
)

// Options configures a relay Server.
type Options struct {
	// Addr is the listen address for ListenAndServe.
	Addr string

	// MaxConnections caps concurrent websocket connections across all
	// rooms. Connections beyond the cap are turned away with a
	// try-again-later close code.
	MaxConnections int

	// MaxMessageSize bounds a single inbound websocket message in bytes.
	MaxMessageSize int64

	// PongTimeout is how long a connection may stay silent before the
	// liveness sweep terminates it. PingInterval must be shorter.
	PongTimeout  time.Duration
	PingInterval time.Duration

	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Addr == "" {
		o.Addr = ":8787"
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 1000
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = wire.DefaultMaxBodySize + 64
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Server relays canvas traffic between the clients of each room. It keeps an
// authoritative replica per room, rebroadcasts valid frames to everyone but
// the sender, and enforces the connection and payload ceilings.
type Server struct {
	opts   Options
	logger *logging.Logger

	upgrader websocket.Upgrader
	router   *mux.Router
	httpSrv  *http.Server

	mu        sync.RWMutex
	rooms     map[string]*Room
	connCount int
	closed    bool

	counters *counters
	conns    sync.WaitGroup
}

// NewServer builds a relay Server with the given options.
func NewServer(opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent(logging.ComponentRelay),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferPool: &sync.Pool{},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:    make(map[string]*Room),
		counters: &counters{},
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws/{room}", s.handleWebsocket)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handler returns the server's HTTP routing surface.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving websocket and monitoring traffic until
// Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syncerrors.NewWithComponent(syncerrors.OpConnect, "relay",
			fmt.Errorf("server already shut down"))
	}
	s.httpSrv = &http.Server{Addr: s.opts.Addr, Handler: s.router}
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("relay listening", "addr", s.opts.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, disconnects every room, and waits
// for in-flight handlers to finish or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[string]*Room)
	srv := s.httpSrv
	s.mu.Unlock()

	for _, r := range rooms {
		r.close()
		s.counters.add(CounterRoomsClosed, 1)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return ctx.Err()
}

// CloseRoom force-disconnects every member of a room and discards its state.
func (s *Server) CloseRoom(id string) error {
	s.mu.Lock()
	r, ok := s.rooms[id]
	if ok {
		delete(s.rooms, id)
	}
	s.mu.Unlock()

	if !ok {
		return syncerrors.NewWithComponent(syncerrors.OpClose, "relay",
			fmt.Errorf("unknown room %q", id))
	}
	r.close()
	s.counters.add(CounterRoomsClosed, 1)
	return nil
}

// Metrics reports the relay's current operational state.
func (s *Server) Metrics() Metrics {
	s.mu.RLock()
	active := s.connCount
	rooms := len(s.rooms)
	s.mu.RUnlock()
	return Metrics{
		ActiveConnections: active,
		ActiveRooms:       rooms,
		Counters:          s.counters.snapshot(),
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	connID := r.URL.Query().Get("conn")
	if connID == "" {
		connID = randomConnID()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err.Error())
		return
	}

	if !s.admit() {
		// Over the ceiling: the handshake already succeeded, so turn the
		// client away with a close code it can interpret as backpressure.
		s.counters.add(CounterRejectedConnections, 1)
		deadline := time.Now().Add(s.opts.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			deadline)
		conn.Close()
		return
	}

	room, err := s.getOrCreateRoom(roomID)
	if err != nil {
		s.release()
		s.logger.Error("room setup failed", "room", roomID, "error", err.Error())
		conn.Close()
		return
	}

	m := &member{
		id:   connID,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	if err := room.join(m); err != nil {
		s.release()
		conn.Close()
		return
	}
	s.counters.add(CounterConnectionsTotal, 1)

	s.conns.Add(1)
	go s.writePump(m)
	go func() {
		defer s.conns.Done()
		s.readPump(room, m)
	}()
}

// admit reserves a connection slot if one is free.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connCount >= s.opts.MaxConnections {
		return false
	}
	s.connCount++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.connCount--
	s.mu.Unlock()
}

func (s *Server) getOrCreateRoom(id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, syncerrors.NewWithComponent(syncerrors.OpConnect, "relay",
			fmt.Errorf("server shutting down"))
	}
	if r, ok := s.rooms[id]; ok {
		return r, nil
	}
	r, err := newRoom(id, s.opts.Logger, s.counters)
	if err != nil {
		return nil, err
	}
	s.rooms[id] = r
	s.counters.add(CounterRoomsCreated, 1)
	s.logger.Info("room created", "room", id)
	return r, nil
}

// readPump consumes inbound frames until the connection dies, then releases
// the membership. Malformed frames are dropped without dropping the
// connection.
func (s *Server) readPump(room *Room, m *member) {
	defer func() {
		if room.leave(m) {
			s.removeRoomIfEmpty(room)
		}
		s.release()
		m.conn.Close()
	}()

	m.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, frame, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		msg, err := wire.Decode(frame, int(s.opts.MaxMessageSize))
		if err != nil {
			s.counters.add(CounterRejectedFrames, 1)
			s.logger.Warn("dropping malformed frame", "conn_id", m.id, "error", err.Error())
			continue
		}
		room.handleFrame(m.id, msg, frame)
	}
}

// writePump is the sole writer on a connection. It also drives the liveness
// sweep: a peer that stops answering pings times out in readPump.
func (s *Server) writePump(m *member) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case frame := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := m.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-m.done:
			_ = m.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = m.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"))
			return
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeRoomIfEmpty(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.rooms[room.ID]; ok && current == room && current.memberCount() == 0 {
		delete(s.rooms, room.ID)
		s.counters.add(CounterRoomsClosed, 1)
		s.logger.Info("room emptied", "room", room.ID)
	}
}

func randomConnID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
