// Package bridge runs the agent against a messaging bridge that speaks
// JSON frames over a WebSocket. The bridge owns pairing and credentials;
// this client only authenticates with a token.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer     = 256
	maxQueued       = 4096 // undelivered message events before new ones are dropped
	maxFrameBytes   = 4 << 20
	defaultTimeout  = 30 * time.Second
	closeWriteGrace = time.Second
)

var (
	errTimeout    = errors.New("request timed out")
	errConnClosed = errors.New("connection closed")
)

// Connector dials the bridge for every session.
type Connector struct {
	cfg    config.BridgeConfig
	log    *logging.Logger
	dialer *websocket.Dialer
}

// NewConnector creates a bridge connector.
func NewConnector(cfg config.BridgeConfig, log *logging.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		log:    log.Sub("bridge"),
		dialer: websocket.DefaultDialer,
	}
}

// Connect dials the bridge and completes the handshake. A rejected token
// is reported as domain.ErrLoggedOut.
func (c *Connector) Connect(ctx context.Context) (domain.Session, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	c.log.Info().Str("url", c.cfg.URL).Msg("connecting to bridge")
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("bridge dial: %s: %w", resp.Status, domain.ErrLoggedOut)
		}
		return nil, fmt.Errorf("bridge dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	timeout := c.cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	s := newSession(conn, c.log, timeout)
	s.push(domain.Event{Type: domain.EventState, State: domain.StateConnecting})
	go s.pump()
	go s.readLoop()

	var hello Hello
	err = s.request(ctx, MethodConnect, ConnectParams{
		Protocol: ProtocolVersion,
		Client:   "tagall",
		Version:  version.Version,
		Token:    c.cfg.Token,
	}, &hello)
	if err != nil {
		_ = s.Close()
		var shape *ErrorShape
		if errors.As(err, &shape) && (shape.Code == CodeUnauthorized || shape.Code == CodeLoggedOut) {
			return nil, fmt.Errorf("bridge handshake: %s: %w", shape.Message, domain.ErrLoggedOut)
		}
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}

	s.self.Store(hello.Self)
	c.log.Info().
		Str("self", hello.Self).
		Int("protocol", hello.Protocol).
		Str("state", string(hello.State)).
		Msg("bridge handshake complete")

	if hello.State == domain.StateOpen {
		s.setOpen()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		case <-s.gone:
		}
	}()
	return s, nil
}

// Session is one bridge connection.
type Session struct {
	conn    *websocket.Conn
	log     *logging.Logger
	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	// The read loop only appends to queue; pump moves it into events so a
	// slow consumer never holds up request responses.
	queueMu sync.Mutex
	queue   []domain.Event
	final   bool // the closed event is queued; nothing follows it
	wake    chan struct{}
	events  chan domain.Event

	done      chan struct{} // closed by Close
	closeOnce sync.Once
	gone      chan struct{} // closed when the read loop exits

	self   atomic.Value // string
	open   atomic.Bool
	local  atomic.Bool
	remote atomic.Pointer[domain.Closure]
}

func newSession(conn *websocket.Conn, log *logging.Logger, timeout time.Duration) *Session {
	return &Session{
		conn:    conn,
		log:     log,
		timeout: timeout,
		pending: make(map[string]chan Frame),
		wake:    make(chan struct{}, 1),
		events:  make(chan domain.Event, eventBuffer),
		done:    make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

// Events implements domain.Session.
func (s *Session) Events() <-chan domain.Event { return s.events }

// SelfID is the account identifier reported by the bridge.
func (s *Session) SelfID() string {
	id, _ := s.self.Load().(string)
	return id
}

// Ready reports whether the bridge's backend connection is open.
func (s *Session) Ready() bool {
	if !s.open.Load() {
		return false
	}
	select {
	case <-s.gone:
		return false
	default:
		return true
	}
}

// FetchMembership asks the bridge for a group's current participants.
func (s *Session) FetchMembership(ctx context.Context, conversationID string) (domain.Membership, error) {
	if !s.Ready() {
		return nil, domain.ErrNotReady
	}
	var res MembersResult
	if err := s.request(ctx, MethodMembers, MembersParams{ConversationID: conversationID}, &res); err != nil {
		return nil, err
	}
	return res.membership(), nil
}

// Send delivers msg through the bridge. Mentions travel as metadata.
func (s *Session) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !s.Ready() {
		return domain.ErrNotReady
	}
	return s.request(ctx, MethodSend, SendParams{To: msg.To, Text: msg.Body, Mentions: msg.Mentions}, nil)
}

// Close sends a normal close frame and drops the socket. Safe to call
// repeatedly.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.local.Store(true)
		s.open.Store(false)
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(closeWriteGrace))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) setOpen() {
	if s.open.Swap(true) {
		return
	}
	s.push(domain.Event{Type: domain.EventState, State: domain.StateOpen})
}

func (s *Session) request(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	f, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", method, err)
	}

	ch := make(chan Frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(ctx, f); err != nil {
		return fmt.Errorf("bridge %s: %w", method, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("bridge %s: %w", method, resp.Error)
			}
			return fmt.Errorf("bridge %s: rejected", method)
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("bridge %s: decode: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("bridge %s: %w", method, errTimeout)
	case <-s.gone:
		return fmt.Errorf("bridge %s: %w", method, errConnClosed)
	}
}

func (s *Session) write(ctx context.Context, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(writeDeadline(ctx, time.Now(), s.timeout))
	return s.conn.WriteJSON(f)
}

// writeDeadline is the earlier of ctx's deadline and now+timeout.
func writeDeadline(ctx context.Context, now time.Time, timeout time.Duration) time.Time {
	d := now.Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// readLoop routes responses to their callers and turns events into the
// session stream. It reports the closure when the socket goes away.
func (s *Session) readLoop() {
	var readErr error
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case FrameTypeResponse:
			s.resolve(f)
		case FrameTypeEvent:
			s.onEvent(f)
		}
	}

	s.open.Store(false)
	close(s.gone)
	s.finish(s.closureFor(readErr))
}

func (s *Session) resolve(f Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (s *Session) onEvent(f Frame) {
	switch f.Event {
	case EventMessage:
		ev, ok := decodeInbound(f.Payload, s.SelfID(), time.Now())
		if !ok {
			s.log.Debug().Int64("seq", f.Seq).Msg("dropping malformed message event")
			return
		}
		s.push(domain.Event{Type: domain.EventMessage, Message: &ev})

	case EventConnection:
		var p ConnectionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed connection event")
			return
		}
		switch p.State {
		case domain.StateOpen:
			s.setOpen()
		case domain.StateConnecting:
			s.open.Store(false)
			s.push(domain.Event{Type: domain.EventState, State: domain.StateConnecting})
		case domain.StateClosed:
			c := domain.Closure{Reason: p.Reason}
			if c.Reason == "" {
				c.Reason = domain.CloseUnknown
			}
			if p.Error != "" {
				c.Err = errors.New(p.Error)
			}
			s.remote.Store(&c)
			s.open.Store(false)
			_ = s.conn.Close()
		}
	}
}

func (s *Session) closureFor(err error) domain.Closure {
	if c := s.remote.Load(); c != nil {
		return *c
	}
	if s.local.Load() {
		return domain.Closure{Reason: domain.CloseLocal, Err: err}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseCodeLoggedOut:
			return domain.Closure{Reason: domain.CloseLoggedOut, Err: err}
		case CloseCodeReplaced:
			return domain.Closure{Reason: domain.CloseReplaced, Err: err}
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return domain.Closure{Reason: domain.CloseServer, Err: err}
		}
	}
	return domain.Closure{Reason: domain.CloseConnection, Err: err}
}

// push queues ev for the consumer without blocking. Message events past
// maxQueued are dropped; state events always queue.
func (s *Session) push(ev domain.Event) {
	s.queueMu.Lock()
	if s.final {
		s.queueMu.Unlock()
		return
	}
	if ev.Type == domain.EventMessage && len(s.queue) >= maxQueued {
		s.queueMu.Unlock()
		s.log.Warn().Int("queued", maxQueued).Msg("event queue full, dropping message")
		return
	}
	s.queue = append(s.queue, ev)
	s.queueMu.Unlock()
	s.signal()
}

// finish queues the closing event. The stream ends once it is delivered.
func (s *Session) finish(c domain.Closure) {
	s.queueMu.Lock()
	if s.final {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, domain.Event{Type: domain.EventState, State: domain.StateClosed, Closure: &c})
	s.final = true
	s.queueMu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (ev domain.Event, ok, final bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return domain.Event{}, false, s.final
	}
	ev = s.queue[0]
	s.queue[0] = domain.Event{}
	s.queue = s.queue[1:]
	return ev, true, false
}

// pump delivers queued events in order and closes the stream after the
// closing event. After Close, undeliverable events are discarded.
func (s *Session) pump() {
	for {
		ev, ok, final := s.next()
		if !ok {
			if final {
				close(s.events)
				return
			}
			<-s.wake
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

// decodeInbound parses a message event. Events without a conversation are
// dropped; a missing ID or timestamp is filled in.
func decodeInbound(raw json.RawMessage, self string, now time.Time) (domain.InboundEvent, bool) {
	var ev domain.InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.ConversationID == "" {
		return domain.InboundEvent{}, false
	}
	if ev.Kind == "" {
		ev.Kind = domain.ConversationDirect
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	if self != "" && ev.SenderID == self {
		ev.FromSelf = true
	}
	return ev, true
}
