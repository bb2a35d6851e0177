// Package domaintest provides in-memory fakes of the session collaborator
// for tests.
package domaintest

import (
	"context"
	"errors"
	"sync"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
)

// ErrClosed is returned by a FakeSession after Close.
var ErrClosed = errors.New("fake session closed")

// FakeSession is a scriptable domain.Session.
type FakeSession struct {
	mu sync.Mutex

	events chan domain.Event
	closed bool

	self    string
	ready   bool
	members map[string]domain.Membership

	// FetchErr, when set, fails every membership fetch.
	FetchErr error
	// OnFetch runs inside FetchMembership before it returns.
	OnFetch func(ctx context.Context, conversationID string)
	// SendFunc decides the result of the n-th send call (1-based). Nil means success.
	SendFunc func(n int, msg domain.OutboundMessage) error
	// ReadyFunc, when set, overrides the ready flag; n counts Ready calls.
	ReadyFunc func(n int) bool

	fetches    int
	sendCalls  int
	readyCalls int
	sent       []domain.OutboundMessage
}

// NewFakeSession returns a ready session whose own identifier is self.
func NewFakeSession(self string) *FakeSession {
	return &FakeSession{
		events:  make(chan domain.Event, 64),
		self:    self,
		ready:   true,
		members: make(map[string]domain.Membership),
	}
}

// SetMembers scripts the membership of a conversation.
func (f *FakeSession) SetMembers(conversationID string, m domain.Membership) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[conversationID] = m
}

// SetReady flips readiness.
func (f *FakeSession) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// Push queues an event on the stream.
func (f *FakeSession) Push(ev domain.Event) { f.events <- ev }

// PushOpen queues a StateOpen event.
func (f *FakeSession) PushOpen() {
	f.Push(domain.Event{Type: domain.EventState, State: domain.StateOpen})
}

// PushMessage queues an inbound message.
func (f *FakeSession) PushMessage(ev domain.InboundEvent) {
	f.Push(domain.Event{Type: domain.EventMessage, Message: &ev})
}

// PushClosed queues the final StateClosed event and ends the stream.
func (f *FakeSession) PushClosed(reason domain.CloseReason, err error) {
	f.Push(domain.Event{
		Type:    domain.EventState,
		State:   domain.StateClosed,
		Closure: &domain.Closure{Reason: reason, Err: err},
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

// Events implements domain.Session.
func (f *FakeSession) Events() <-chan domain.Event { return f.events }

// FetchMembership implements domain.Session.
func (f *FakeSession) FetchMembership(ctx context.Context, conversationID string) (domain.Membership, error) {
	f.mu.Lock()
	f.fetches++
	m := f.members[conversationID]
	err := f.FetchErr
	hook := f.OnFetch
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := make(domain.Membership, len(m))
	copy(out, m)
	return out, nil
}

// Send implements domain.Session.
func (f *FakeSession) Send(_ context.Context, msg domain.OutboundMessage) error {
	f.mu.Lock()
	f.sendCalls++
	n := f.sendCalls
	fn := f.SendFunc
	f.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(n, msg)
	}
	if err == nil {
		f.mu.Lock()
		f.sent = append(f.sent, msg)
		f.mu.Unlock()
	}
	return err
}

// Ready implements domain.Session.
func (f *FakeSession) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	if f.ReadyFunc != nil {
		return f.ReadyFunc(f.readyCalls)
	}
	return f.ready && !f.closed
}

// SelfID implements domain.Session.
func (f *FakeSession) SelfID() string { return f.self }

// Close implements domain.Session. It ends the stream without a closure event.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	close(f.events)
	return nil
}

// Sent returns the successfully delivered messages.
func (f *FakeSession) Sent() []domain.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// SendCalls returns how many times Send was invoked.
func (f *FakeSession) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// Fetches returns how many membership fetches were made.
func (f *FakeSession) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// FakeConnector hands out scripted sessions in order.
type FakeConnector struct {
	mu       sync.Mutex
	sessions []*FakeSession
	errs     []error
	calls    int
	// OnConnect runs at the start of every Connect call with the 1-based call number.
	OnConnect func(n int)
}

// Add queues a session (or, when sess is nil, a connect error).
func (c *FakeConnector) Add(sess *FakeSession, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sess)
	c.errs = append(c.errs, err)
}

// Connect implements domain.Connector. Once the script runs out it blocks
// until ctx is done.
func (c *FakeConnector) Connect(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	hook := c.OnConnect
	var sess *FakeSession
	var err error
	scripted := len(c.sessions) > 0
	if scripted {
		sess, err = c.sessions[0], c.errs[0]
		c.sessions, c.errs = c.sessions[1:], c.errs[1:]
	}
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if !scripted {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Calls returns how many times Connect ran.
func (c *FakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
