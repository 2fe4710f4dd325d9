package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/event"
	"sessiond/internal/executor"
	"sessiond/internal/protocol"
	"sessiond/internal/session"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server exposes the session registry over WebSocket and REST.
type Server struct {
	reg       *session.Registry
	roles     *config.RoleCatalog
	log       *zap.Logger
	staticDir string
	providers Providers
	history   History

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// owners maps a session to the client whose callback is installed.
	// It is held across Attach and Detach so ownership and the registry
	// callback never disagree.
	owners   map[string]*client
	ownersMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
	seen   map[string]uint64 // newest seq sent per session
}

// Providers reports whether a provider name can run turns.
type Providers interface {
	Has(provider string) bool
}

// History reads flushed session transcripts.
type History interface {
	LoadHistory(ctx context.Context, sessionID string) ([]event.Event, error)
	Sessions(ctx context.Context) ([]string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithProviders rejects session creation for providers p does not have.
func WithProviders(p Providers) Option { return func(s *Server) { s.providers = p } }

// WithHistory serves stored transcripts under /history.
func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// New creates a new realtime server. roles may be nil when no presets
// are configured.
func New(reg *session.Registry, roles *config.RoleCatalog, log *zap.Logger, staticDir string, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if roles == nil {
		roles = config.NewRoleCatalog(nil)
	}
	s := &Server{
		reg:       reg,
		roles:     roles,
		log:       log,
		staticDir: staticDir,
		clients:   make(map[*client]bool),
		owners:    make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handleSendPrompt)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /sessions/{id}/inject", s.handleInject)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleBufferedOutput)
	mux.HandleFunc("GET /sessions/{id}/next", s.handleNavigate(protocol.DirectionNext))
	mux.HandleFunc("GET /sessions/{id}/prev", s.handleNavigate(protocol.DirectionPrev))
	mux.HandleFunc("GET /sessions/{id}/parent", s.handleNavigate(protocol.DirectionParent))
	mux.HandleFunc("POST /sessions/{id}/flush", s.handleFlush)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /history", s.handleHistorySessions)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s, sendBuffer)

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send current session list to new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

func newClient(conn *websocket.Conn, s *Server, buffer int) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, buffer),
		server: s,
		seen:   make(map[string]uint64),
	}
}

// enqueue queues data for the client without blocking and reports whether
// it was queued. A client whose buffer is full has fallen behind its
// sessions; it is disconnected rather than left with a gap in its output,
// and reattaching resumes from the last event it was sent.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.server.log.Warn("client buffer full, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
		c.closed = true
		close(c.send)
		c.conn.Close()
		return false
	}
}

func (c *client) sendMessage(msgType string, payload interface{}) bool {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.server.log.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// sendEvent sends one live event of a session and records it as seen.
func (c *client) sendEvent(sessionID string, ev event.Event) {
	if !c.sendMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: sessionID, Event: ev}) {
		return
	}
	c.markSeen(sessionID, ev.Seq)
}

func (c *client) markSeen(sessionID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seen[sessionID] {
		c.seen[sessionID] = seq
	}
}

func (c *client) lastSeen(sessionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[sessionID]
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client. Sessions it had attached
// are detached; sessions another client took over are left alone.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.ownersMu.Lock()
	for id, owner := range s.owners {
		if owner != c {
			continue
		}
		delete(s.owners, id)
		if err := s.reg.Detach(id); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.log.Warn("detach on disconnect", zap.String("session", id), zap.Error(err))
		}
	}
	s.ownersMu.Unlock()

	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeSessionPrompt:
		s.handleWSPrompt(c, msg)
	case protocol.TypeSessionAttach:
		s.handleWSAttach(c, msg)
	case protocol.TypeSessionDetach:
		s.handleWSDetach(c, msg)
	case protocol.TypeSessionRemove:
		s.handleWSRemove(c, msg)
	case protocol.TypeSessionInterrupt:
		s.handleWSInterrupt(c, msg)
	case protocol.TypeSessionInject:
		s.handleWSInject(c, msg)
	case protocol.TypeSessionWatcherInject:
		s.handleWSWatcherInject(c, msg)
	case protocol.TypeSessionNavigate:
		s.handleWSNavigate(c, msg)
	case protocol.TypeSessionRequestStatus:
		s.handleWSStatus(c, msg)
	case protocol.TypeSessionRequestOutput:
		s.handleWSOutput(c, msg)
	case protocol.TypeSessionSetPendingInput:
		s.handleWSSetPendingInput(c, msg)
	case protocol.TypeSessionList:
		s.sendSessionList(c)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	sum, err := s.create(payload)
	if err != nil {
		s.sendRegistryError(c, err)
		return
	}
	s.broadcastSessionUpdate(sum)
}

// create resolves the role of a create request and registers the session.
func (s *Server) create(p protocol.SessionCreatePayload) (session.Summary, error) {
	req := session.CreateRequest{
		Provider: p.Provider,
		Model:    p.Model,
		Label:    p.Label,
		ParentID: p.ParentID,
	}
	if s.providers != nil && !s.providers.Has(p.Provider) {
		return session.Summary{}, fmt.Errorf("%w: %q", executor.ErrUnknownProvider, p.Provider)
	}
	switch {
	case p.Preset != "":
		role, ok := s.roles.Lookup(p.Preset)
		if !ok {
			return session.Summary{}, fmt.Errorf("%w: unknown preset %q", session.ErrInvalidRole, p.Preset)
		}
		req.Role = &role
	case p.Role != nil:
		req.Role = &session.Role{
			Name:        p.Role.Name,
			Description: p.Role.Description,
			Authority:   session.Authority(p.Role.Authority),
			AutoInject:  p.Role.AutoInject,
		}
	}

	id, err := s.reg.Create(req)
	if err != nil {
		return session.Summary{}, err
	}
	return s.reg.Get(id)
}

func (s *Server) handleWSPrompt(c *client, msg *protocol.Message) {
	var payload protocol.SessionPromptPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.reg.Send(payload.SessionID, payload.Prompt); err != nil {
		s.sendRegistryError(c, err)
	}
}

// handleWSAttach makes c the consumer of a session. The hydrate message
// carries every buffered event after the last one c was sent, or after
// the client's own cursor when it gives one, and goes out before any live
// output of the new attachment.
func (s *Server) handleWSAttach(c *client, msg *protocol.Message) {
	var payload protocol.SessionAttachPayload
	json.Unmarshal(msg.Payload, &payload)

	id := payload.SessionID
	gate := newAttachment(c, id)
	from := c.lastSeen(id)
	if payload.After != nil {
		from = *payload.After
	}

	s.ownersMu.Lock()
	events, err := s.reg.AttachFrom(id, from, gate.deliver)
	if err == nil {
		s.owners[id] = c
	}
	s.ownersMu.Unlock()

	if err != nil {
		s.sendRegistryError(c, err)
		return
	}

	gate.open(events)
	s.log.Debug("client attached", zap.String("session", id), zap.Int("hydrated", len(events)))
}

func (s *Server) handleWSDetach(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()
	if s.owners[payload.SessionID] != c {
		// Not ours: detaching would cut off another client.
		if _, err := s.reg.Get(payload.SessionID); err != nil {
			s.sendRegistryError(c, err)
		}
		return
	}
	delete(s.owners, payload.SessionID)
	if err := s.reg.Detach(payload.SessionID); err != nil {
		s.sendRegistryError(c, err)
	}
}

func (s *Server) handleWSRemove(c *client, msg *protocol.Message) {
	var payload protocol.SessionRemovePayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.remove(payload.SessionID, payload.Cascade); err != nil {
		s.sendRegistryError(c, err)
	}
}

// remove destroys a session and tells every client which sessions went
// away, watchers included.
func (s *Server) remove(id string, cascade bool) error {
	watchers := lo.FilterMap(s.reg.List(), func(sum session.Summary, _ int) (string, bool) {
		return sum.ID, sum.ParentID == id
	})

	if err := s.reg.Remove(id, cascade); err != nil {
		return err
	}

	removed := append(watchers, id)
	s.ownersMu.Lock()
	for _, rid := range removed {
		delete(s.owners, rid)
	}
	s.ownersMu.Unlock()

	for _, rid := range removed {
		s.broadcastMessage(protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{SessionID: rid})
	}
	return nil
}

func (s *Server) handleWSInterrupt(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.reg.Interrupt(payload.SessionID); err != nil {
		s.sendRegistryError(c, err)
	}
}

func (s *Server) handleWSInject(c *client, msg *protocol.Message) {
	var payload protocol.SessionInjectPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.reg.Inject(payload.SessionID, payload.Message, payload.Urgent); err != nil {
		s.sendRegistryError(c, err)
	}
}

func (s *Server) handleWSWatcherInject(c *client, msg *protocol.Message) {
	var payload protocol.WatcherInjectPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.reg.InjectFrom(payload.WatcherID, payload.Message, payload.Urgent); err != nil {
		s.sendRegistryError(c, err)
	}
}

func (s *Server) handleWSNavigate(c *client, msg *protocol.Message) {
	var payload protocol.SessionNavigatePayload
	json.Unmarshal(msg.Payload, &payload)

	res, err := s.navigate(payload.SessionID, payload.Direction)
	if err != nil {
		s.sendRegistryError(c, err)
		return
	}
	c.sendMessage(protocol.TypeSessionNavigate, res)
}

func (s *Server) navigate(from, direction string) (protocol.NavigateResultPayload, error) {
	res := protocol.NavigateResultPayload{From: from, Direction: direction}

	var (
		target session.Target
		err    error
	)
	switch direction {
	case protocol.DirectionNext:
		target, err = s.reg.Next(from)
	case protocol.DirectionPrev:
		target, err = s.reg.Prev(from)
	case protocol.DirectionParent:
		parentID, ok, perr := s.reg.Parent(from)
		if perr != nil {
			return res, perr
		}
		res.Target = "none"
		if ok {
			res.Target = string(session.TargetSession)
			res.SessionID = parentID
		}
		return res, nil
	default:
		return res, fmt.Errorf("unknown direction %q", direction)
	}
	if err != nil {
		return res, err
	}
	res.Target = string(target.Kind)
	res.SessionID = target.SessionID
	return res, nil
}

func (s *Server) handleWSStatus(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	st, err := s.status(payload.SessionID)
	if err != nil {
		s.sendRegistryError(c, err)
		return
	}
	c.sendMessage(protocol.TypeSessionStatus, st)
}

func (s *Server) status(id string) (protocol.SessionStatusPayload, error) {
	sum, err := s.reg.Get(id)
	if err != nil {
		return protocol.SessionStatusPayload{}, err
	}
	pending, err := s.reg.PendingInput(id)
	if err != nil {
		return protocol.SessionStatusPayload{}, err
	}
	st := protocol.SessionStatusPayload{
		SessionID:    id,
		Status:       string(sum.Status),
		Attached:     sum.Attached,
		PendingInput: pending,
	}
	if sum.IsWatcher() {
		if ws, err := s.reg.WatcherState(id); err == nil {
			st.WatcherState = ws.String()
		}
	}
	return st, nil
}

func (s *Server) handleWSOutput(c *client, msg *protocol.Message) {
	var payload protocol.RequestOutputPayload
	json.Unmarshal(msg.Payload, &payload)

	events, err := s.reg.BufferedOutput(payload.SessionID, payload.Limit)
	if err != nil {
		s.sendRegistryError(c, err)
		return
	}
	c.sendMessage(protocol.TypeBufferedOutput, protocol.BufferedOutputPayload{
		SessionID: payload.SessionID,
		Events:    events,
	})
}

func (s *Server) handleWSSetPendingInput(c *client, msg *protocol.Message) {
	var payload protocol.SetPendingInputPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.reg.SetPendingInput(payload.SessionID, payload.Input); err != nil {
		s.sendRegistryError(c, err)
	}
}

// sendSessionList sends the current sessions to a client in navigation
// order.
func (s *Server) sendSessionList(c *client) {
	c.sendMessage(protocol.TypeSessionList, protocol.SessionListPayload{
		Sessions: lo.Map(s.reg.List(), func(sum session.Summary, _ int) protocol.SessionUpdatePayload {
			return toUpdatePayload(sum)
		}),
	})
}

func toUpdatePayload(sum session.Summary) protocol.SessionUpdatePayload {
	p := protocol.SessionUpdatePayload{
		ID:        sum.ID,
		Provider:  sum.Provider,
		Model:     sum.Model,
		Label:     sum.Label,
		Status:    string(sum.Status),
		Attached:  sum.Attached,
		ParentID:  sum.ParentID,
		Tokens:    protocol.TokensPayload{Input: sum.Tokens.Input, Output: sum.Tokens.Output},
		CreatedAt: sum.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: sum.UpdatedAt.Format(time.RFC3339Nano),
	}
	if sum.Role != nil {
		p.Role = &protocol.RolePayload{
			Name:        sum.Role.Name,
			Description: sum.Role.Description,
			Authority:   string(sum.Role.Authority),
			AutoInject:  sum.Role.AutoInject,
		}
	}
	return p
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(sum session.Summary) {
	s.broadcastMessage(protocol.TypeSessionUpdate, toUpdatePayload(sum))
}

func (s *Server) broadcastMessage(msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) sendRegistryError(c *client, err error) {
	code, _ := classify(err)
	s.sendError(c, code, err.Error())
}

// classify maps registry errors to protocol codes and HTTP statuses.
func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrInvalidRole):
		return protocol.ErrInvalidRole, http.StatusBadRequest
	case errors.Is(err, session.ErrHasActiveChildren):
		return protocol.ErrHasActiveChildren, http.StatusConflict
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions, http.StatusTooManyRequests
	case errors.Is(err, session.ErrEmptyMessage):
		return protocol.ErrEmptyMessage, http.StatusBadRequest
	case errors.Is(err, session.ErrWatcherInput):
		return protocol.ErrWatcherInput, http.StatusBadRequest
	case errors.Is(err, executor.ErrUnknownProvider):
		return protocol.ErrUnknownProvider, http.StatusBadRequest
	}
	return protocol.ErrInternal, http.StatusInternalServerError
}

// attachment forwards live events of one session to a client. Events
// arriving before open are held so they follow the hydrate message.
type attachment struct {
	c         *client
	sessionID string

	mu    sync.Mutex
	ready bool
	held  []event.Event
}

func newAttachment(c *client, sessionID string) *attachment {
	return &attachment{c: c, sessionID: sessionID}
}

// deliver is the registry callback. It never blocks on the client. A
// terminal event also refreshes every client's view of the session, since
// a finished turn changes its status and token counts.
func (a *attachment) deliver(ev event.Event) {
	a.mu.Lock()
	if !a.ready {
		a.held = append(a.held, ev)
		a.mu.Unlock()
		return
	}
	a.c.sendEvent(a.sessionID, ev)
	a.mu.Unlock()

	if ev.IsTerminal() {
		s := a.c.server
		if sum, err := s.reg.Get(a.sessionID); err == nil {
			s.broadcastSessionUpdate(sum)
		}
	}
}

func (a *attachment) open(hydrate []event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hydrate == nil {
		hydrate = []event.Event{}
	}
	if a.c.sendMessage(protocol.TypeSessionHydrate, protocol.SessionHydratePayload{SessionID: a.sessionID, Events: hydrate}) && len(hydrate) > 0 {
		a.c.markSeen(a.sessionID, hydrate[len(hydrate)-1].Seq)
	}
	for _, ev := range a.held {
		a.c.sendEvent(a.sessionID, ev)
	}
	a.held = nil
	a.ready = true
}
