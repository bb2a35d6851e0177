// Package irc runs the agent on IRC. Joined channels are group
// conversations, private messages are direct conversations, and channel
// operators are group admins.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/google/uuid"
	"github.com/lrstanley/girc"
)

const (
	errSASLFail = "904"
	errBanned   = "465"
	eventBuffer = 256
	quitMessage = "tagall shutting down"
)

// Connector dials a fresh IRC client for every session.
type Connector struct {
	cfg config.IRCConfig
	log *logging.Logger
}

// NewConnector creates an IRC connector.
func NewConnector(cfg config.IRCConfig, log *logging.Logger) *Connector {
	return &Connector{cfg: cfg, log: log.Sub("irc")}
}

// Connect starts the IRC client in the background and returns the session
// at once. Dial failures surface as a closed event on the stream.
func (c *Connector) Connect(ctx context.Context) (domain.Session, error) {
	if c.cfg.Server == "" || c.cfg.Nick == "" {
		return nil, errors.New("irc: server and nick are required")
	}

	s := &Session{
		cfg:     c.cfg,
		log:     c.log,
		events:  make(chan domain.Event, eventBuffer),
		done:    make(chan struct{}),
		batches: newBatchAssembler(),
	}
	gc := buildConfig(c.cfg)
	gc.RecoverFunc = logRecovered(c.log)
	s.client = girc.New(gc)
	s.registerHandlers()

	c.log.Info().
		Str("server", c.cfg.Server).
		Int("port", portFor(c.cfg)).
		Str("nick", c.cfg.Nick).
		Strs("channels", c.cfg.Channels).
		Bool("tls", c.cfg.UseTLS).
		Msg("connecting to IRC")

	s.push(domain.Event{Type: domain.EventState, State: domain.StateConnecting})

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Session is one IRC connection.
type Session struct {
	cfg    config.IRCConfig
	log    *logging.Logger
	client *girc.Client

	mu           sync.Mutex // serializes pushes against the final close
	events       chan domain.Event
	streamClosed bool

	done      chan struct{}
	closeOnce sync.Once

	open      atomic.Bool
	local     atomic.Bool
	loggedOut atomic.Bool
	lastError atomic.Value // string

	capsMu sync.RWMutex
	caps   multilineLimits

	batches *batchAssembler
}

// Events implements domain.Session.
func (s *Session) Events() <-chan domain.Event { return s.events }

// SelfID is the current nick.
func (s *Session) SelfID() string {
	if nick := s.client.GetNick(); nick != "" {
		return nick
	}
	return s.cfg.Nick
}

// Ready reports whether registration finished and the socket is up.
func (s *Session) Ready() bool {
	return s.open.Load() && s.client.IsConnected()
}

// FetchMembership lists a joined channel's users with their channel role.
func (s *Session) FetchMembership(ctx context.Context, conversationID string) (domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Ready() {
		return nil, domain.ErrNotReady
	}

	ch := s.client.LookupChannel(conversationID)
	if ch == nil {
		return nil, fmt.Errorf("irc: not joined to %s", conversationID)
	}

	members := make(domain.Membership, 0, len(ch.UserList))
	for _, nick := range ch.UserList {
		role := domain.RoleMember
		if u := s.client.LookupUser(nick); u != nil {
			nick = u.Nick
			if u.Perms != nil {
				if p, ok := u.Perms.Lookup(conversationID); ok {
					role = roleFromPerms(p)
				}
			}
		}
		members = append(members, domain.Participant{ID: nick, Role: role})
	}
	return members, nil
}

// Send writes msg to its target. Mentioned nicks missing from the body are
// appended so every one of them is highlighted.
func (s *Session) Send(_ context.Context, msg domain.OutboundMessage) error {
	if !s.Ready() {
		return domain.ErrNotReady
	}
	if msg.To == "" {
		return errors.New("irc: no target specified")
	}

	body := withMentions(msg.Body, msg.Mentions)

	if strings.Contains(body, "\n") && s.hasMultiline() {
		s.capsMu.RLock()
		limits := s.caps
		s.capsMu.RUnlock()

		for _, ev := range multilineEvents(msg.To, body, limits, newBatchID) {
			s.client.Send(ev)
		}
		s.log.Debug().Str("to", msg.To).Msg("sent IRC multiline batch")
		return nil
	}

	lines := plainLines(body, maxLineBytes)
	for _, line := range lines {
		s.client.Cmd.Message(msg.To, line)
	}
	s.log.Debug().
		Str("to", msg.To).
		Int("lines", len(lines)).
		Int("mentions", len(msg.Mentions)).
		Msg("sent IRC message")
	return nil
}

// Close quits the server and stops the client. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.local.Store(true)
		if s.client.IsConnected() {
			s.client.Quit(quitMessage)
		}
		close(s.done)
		s.client.Close()
	})
	return nil
}

func (s *Session) hasMultiline() bool {
	return s.cfg.Multiline && s.client.HasCapability(capMultiline)
}

// run blocks in the client's read loop and reports the closure.
func (s *Session) run() {
	err := s.client.Connect()
	s.open.Store(false)
	s.batches.reset()

	c := domain.Closure{Err: err}
	switch {
	case s.loggedOut.Load():
		c.Reason = domain.CloseLoggedOut
		if msg, _ := s.lastError.Load().(string); msg != "" {
			c.Err = errors.New(msg)
		}
	case s.local.Load():
		c.Reason = domain.CloseLocal
	case err != nil:
		c.Reason = domain.CloseConnection
	default:
		c.Reason = domain.CloseServer
	}
	s.finish(c)
}

func (s *Session) push(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamClosed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) finish(c domain.Closure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamClosed {
		return
	}
	select {
	case s.events <- domain.Event{Type: domain.EventState, State: domain.StateClosed, Closure: &c}:
	case <-s.done:
	}
	s.streamClosed = true
	close(s.events)
}

func (s *Session) registerHandlers() {
	s.client.Handlers.Add(girc.CONNECTED, s.onConnected)
	s.client.Handlers.Add(girc.PRIVMSG, s.onPrivmsg)
	s.client.Handlers.Add(girc.DISCONNECTED, s.onDisconnected)
	s.client.Handlers.Add(girc.ERROR, s.onFatal)
	s.client.Handlers.Add(errSASLFail, s.onFatal)
	s.client.Handlers.Add(errBanned, s.onFatal)
	s.client.Handlers.Add(cmdBATCH, s.onBatch)
	s.client.Handlers.Add(girc.CAP, s.onCAP)
	s.client.Handlers.Add("FAIL", s.onFail)
}

func (s *Session) onConnected(_ *girc.Client, _ girc.Event) {
	s.log.Info().Str("nick", s.client.GetNick()).Msg("connected to IRC")
	for _, ch := range s.cfg.Channels {
		s.client.Cmd.Join(ch)
		s.log.Info().Str("channel", ch).Msg("joining channel")
	}
	s.open.Store(true)
	s.push(domain.Event{Type: domain.EventState, State: domain.StateOpen})
}

func (s *Session) onPrivmsg(_ *girc.Client, e girc.Event) {
	if s.batches.add(e) {
		return
	}
	ev, ok := inboundFromEvent(s.SelfID(), e, time.Now(), uuid.NewString)
	if !ok {
		return
	}
	s.push(domain.Event{Type: domain.EventMessage, Message: &ev})
}

func (s *Session) onBatch(_ *girc.Client, e girc.Event) {
	if s.batches.begin(e) {
		return
	}
	target, source, body, ok := s.batches.end(e)
	if !ok {
		return
	}
	ev, ok := inboundFromBatch(s.SelfID(), target, source, body, time.Now(), uuid.NewString)
	if !ok {
		return
	}
	s.log.Debug().Str("conversation", ev.ConversationID).Int("bodyLen", len(body)).Msg("multiline batch completed")
	s.push(domain.Event{Type: domain.EventMessage, Message: &ev})
}

func (s *Session) onDisconnected(_ *girc.Client, _ girc.Event) {
	s.open.Store(false)
	s.log.Warn().Msg("disconnected from IRC")
}

// onFatal records rejections that mean the credentials or host are no
// longer welcome. Those end the session as a logout.
func (s *Session) onFatal(_ *girc.Client, e girc.Event) {
	if !isLogout(e) {
		s.log.Warn().Str("command", e.Command).Str("detail", e.Last()).Msg("server error")
		return
	}
	s.loggedOut.Store(true)
	s.lastError.Store(e.Command + ": " + e.Last())
	s.log.Error().Str("command", e.Command).Str("detail", e.Last()).Msg("rejected by server")
	s.client.Close()
}

func (s *Session) onCAP(_ *girc.Client, e girc.Event) {
	if len(e.Params) < 3 {
		return
	}
	switch e.Params[1] {
	case "LS", "NEW", "ACK":
	default:
		return
	}
	limits, found := multilineFromCapList(e.Last())
	if !found {
		return
	}
	s.capsMu.Lock()
	s.caps = limits
	s.capsMu.Unlock()

	s.log.Info().
		Int("maxBytes", limits.maxBytes).
		Int("maxLines", limits.maxLines).
		Msg("draft/multiline capability detected")
}

func (s *Session) onFail(_ *girc.Client, e girc.Event) {
	if len(e.Params) >= 2 && strings.HasPrefix(e.Params[1], "MULTILINE_") {
		s.log.Warn().Str("code", e.Params[1]).Str("detail", e.Last()).Msg("multiline batch rejected by server")
	}
}

func portFor(cfg config.IRCConfig) int {
	switch {
	case cfg.Port != 0:
		return cfg.Port
	case cfg.UseTLS:
		return 6697
	default:
		return 6667
	}
}

func buildConfig(cfg config.IRCConfig) girc.Config {
	gc := girc.Config{
		Server:  cfg.Server,
		Port:    portFor(cfg),
		Nick:    cfg.Nick,
		User:    cfg.Nick,
		Name:    "TagAll Bot",
		SSL:     cfg.UseTLS,
		Version: "TagAll/1.0",
	}
	if cfg.Multiline {
		gc.SupportedCaps = map[string][]string{capMultiline: nil}
	}
	if cfg.UseTLS {
		gc.TLSConfig = &tls.Config{ServerName: cfg.Server}
	}
	if cfg.SASL && cfg.Password != "" {
		gc.SASL = &girc.SASLPlain{User: cfg.Nick, Pass: cfg.Password}
	} else if cfg.Password != "" {
		gc.ServerPass = cfg.Password
	}
	return gc
}

// logRecovered reports a panicking handler instead of letting it take the
// process down. The event that triggered it is dropped.
func logRecovered(log *logging.Logger) func(*girc.Client, *girc.HandlerError) {
	return func(_ *girc.Client, e *girc.HandlerError) {
		log.Error().
			Str("handler", e.ID).
			Str("command", e.Event.Command).
			Str("func", e.Func).
			Interface("panic", e.Panic).
			Bytes("stack", e.Stack).
			Msg("irc handler panicked")
	}
}

// roleFromPerms maps channel modes to roles: founders and protected users
// (~, &) are superadmins, operators (@) are admins.
func roleFromPerms(p girc.Perms) domain.Role {
	switch {
	case p.Owner, p.Admin:
		return domain.RoleSuperAdmin
	case p.Op:
		return domain.RoleAdmin
	default:
		return domain.RoleMember
	}
}

var logoutMarkers = []string{"k-lined", "g-lined", "z-lined", "banned"}

// isLogout reports whether a server error ends the agent's welcome for good.
func isLogout(e girc.Event) bool {
	switch e.Command {
	case errSASLFail, errBanned:
		return true
	case girc.ERROR:
		text := strings.ToLower(e.Last())
		for _, m := range logoutMarkers {
			if strings.Contains(text, m) {
				return true
			}
		}
	}
	return false
}

// inboundFromEvent converts a PRIVMSG. CTCP ACTIONs carry no command text
// and are reported as other content.
func inboundFromEvent(self string, e girc.Event, now time.Time, newID func() string) (domain.InboundEvent, bool) {
	if e.Source == nil || len(e.Params) < 2 {
		return domain.InboundEvent{}, false
	}
	content := &domain.Content{Kind: domain.ContentText, Text: e.Last()}
	if e.IsAction() {
		content = &domain.Content{Kind: domain.ContentOther}
	}

	ev := conversationFor(self, e.Params[0], e.Source, now)
	ev.Content = content
	ev.ID = newID()
	if id, ok := e.Tags.Get(tagMsgID); ok && id != "" {
		ev.ID = id
	}
	return ev, true
}

// inboundFromBatch converts a reassembled multiline message.
func inboundFromBatch(self, target string, source *girc.Source, body string, now time.Time, newID func() string) (domain.InboundEvent, bool) {
	if source == nil || target == "" {
		return domain.InboundEvent{}, false
	}
	ev := conversationFor(self, target, source, now)
	ev.ID = newID()
	ev.Content = &domain.Content{Kind: domain.ContentExtendedText, Text: body}
	return ev, true
}

func conversationFor(self, target string, source *girc.Source, now time.Time) domain.InboundEvent {
	ev := domain.InboundEvent{
		ConversationID: target,
		Kind:           domain.ConversationGroup,
		SenderID:       source.Name,
		FromSelf:       strings.EqualFold(source.Name, self),
		ReceivedAt:     now,
	}
	if !girc.IsValidChannel(target) {
		ev.ConversationID = source.Name
		ev.Kind = domain.ConversationDirect
	}
	return ev
}

// withMentions appends the mentioned nicks that the body does not already
// name.
func withMentions(body string, mentions []string) string {
	lower := strings.ToLower(body)
	seen := make(map[string]bool, len(mentions))
	var missing []string
	for _, m := range mentions {
		key := strings.ToLower(m)
		if m == "" || seen[key] || strings.Contains(lower, key) {
			continue
		}
		seen[key] = true
		missing = append(missing, m)
	}
	if len(missing) == 0 {
		return body
	}
	return body + "\n" + strings.Join(missing, " ")
}
