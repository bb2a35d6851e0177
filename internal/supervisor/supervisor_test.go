package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain/domaintest"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type messageLog struct {
	mu  sync.Mutex
	ids []string
}

func (m *messageLog) Handle(_ context.Context, _ domain.Session, ev domain.InboundEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ev.ID)
}

func newTestSupervisor(conn domain.Connector, h Handler, hm *hooks.Manager, opts Options) (*Supervisor, *sleepRecorder) {
	s := New(conn, h, hm, logging.New(nil, "silent"), opts)
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

// scripted returns a session whose stream opens, delivers msgs, and closes
// with reason.
func scripted(reason domain.CloseReason, msgs ...string) *domaintest.FakeSession {
	sess := domaintest.NewFakeSession("bot@host")
	sess.PushOpen()
	for _, id := range msgs {
		sess.PushMessage(domain.InboundEvent{ID: id, ConversationID: "#ops", Kind: domain.ConversationGroup})
	}
	sess.PushClosed(reason, nil)
	return sess
}

func TestRun_NonLogoutClosureReconnectsOnce(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.Add(scripted(domain.CloseConnection), nil)
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: DefaultReconnectPolicy()})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, conn.Calls())
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.recorded(), "exactly one reconnect after the fixed delay")
}

func TestRun_LogoutDoesNotReconnect(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: DefaultReconnectPolicy()})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, conn.Calls())
	assert.Empty(t, rec.recorded())
}

func TestRun_ConnectLogoutErrorStops(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.Add(nil, errors.New("sasl: "+domain.ErrLoggedOut.Error()))
	conn.Add(nil, domain.ErrLoggedOut)

	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: DefaultReconnectPolicy()})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, conn.Calls(), "plain errors retry, ErrLoggedOut stops")
	assert.Len(t, rec.recorded(), 1)
}

func TestRun_MessagesHandledInOrder(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.Add(scripted(domain.CloseLoggedOut, "m1", "m2", "m3"), nil)

	h := &messageLog{}
	s, _ := newTestSupervisor(conn, h, nil, Options{})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.ids)
}

func TestRun_HandlerPanicDoesNotStopLoop(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.Add(scripted(domain.CloseLoggedOut, "boom", "after"), nil)

	var seen []string
	h := HandlerFunc(func(_ context.Context, _ domain.Session, ev domain.InboundEvent) {
		seen = append(seen, ev.ID)
		if ev.ID == "boom" {
			panic("handler bug")
		}
	})
	s, _ := newTestSupervisor(conn, h, nil, Options{})

	require.NotPanics(t, func() { require.NoError(t, s.Run(context.Background())) })
	assert.Equal(t, []string{"boom", "after"}, seen)
}

func TestRun_ConnectPanicIsRetried(t *testing.T) {
	conn := &domaintest.FakeConnector{}
	conn.OnConnect = func(n int) {
		if n == 1 {
			panic("driver init")
		}
	}
	conn.Add(nil, nil) // consumed by the panicking call
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: DefaultReconnectPolicy()})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, conn.Calls())
	assert.Len(t, rec.recorded(), 1)
}

func TestRun_StreamEndWithoutClosureReconnects(t *testing.T) {
	sess := domaintest.NewFakeSession("bot@host")
	sess.PushOpen()
	require.NoError(t, sess.Close())

	conn := &domaintest.FakeConnector{}
	conn.Add(sess, nil)
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: DefaultReconnectPolicy()})
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, rec.recorded(), 1)
}

func TestRun_BackoffGrowsAndResetsOnOpen(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	conn := &domaintest.FakeConnector{}
	conn.Add(nil, boom)
	conn.Add(nil, boom)
	conn.Add(nil, boom)
	conn.Add(scripted(domain.CloseServer), nil)
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	policy := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	s, rec := newTestSupervisor(conn, &messageLog{}, nil, Options{Policy: policy})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 3 * time.Second, // capped
		time.Second, // reset after the session opened
	}, rec.recorded())
}

func TestRun_ContextCancelled(t *testing.T) {
	conn := &domaintest.FakeConnector{} // no script: Connect blocks
	ctx, cancel := context.WithCancel(context.Background())

	s, _ := newTestSupervisor(conn, &messageLog{}, nil, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return conn.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRun_EmitsLifecycleHooks(t *testing.T) {
	hm := hooks.NewManager(logging.New(nil, "silent"))
	var mu sync.Mutex
	var events []string
	for _, name := range hooks.AllEvents {
		hm.On(name, "record", func(_ context.Context, p hooks.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p.Event)
			return nil
		})
	}

	conn := &domaintest.FakeConnector{}
	conn.Add(scripted(domain.CloseConnection), nil)
	conn.Add(scripted(domain.CloseLoggedOut), nil)

	var opened int
	s, _ := newTestSupervisor(conn, &messageLog{}, hm, Options{
		Policy: DefaultReconnectPolicy(),
		OnOpen: func(context.Context, domain.Session) { opened++ },
	})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []string{
		hooks.EventConnecting, hooks.EventConnectionOpen, hooks.EventConnectionClosed,
		hooks.EventReconnectScheduled,
		hooks.EventConnecting, hooks.EventConnectionOpen, hooks.EventConnectionClosed,
	}, events)
	assert.Equal(t, 2, opened)
}

func TestReconnectPolicy_NextDelay(t *testing.T) {
	fixed := DefaultReconnectPolicy()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 3*time.Second, fixed.NextDelay(i))
	}

	exp := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, exp.NextDelay(-1))
	assert.Equal(t, 4*time.Second, exp.NextDelay(2))
	assert.Equal(t, 10*time.Second, exp.NextDelay(10))

	uncapped := ReconnectPolicy{InitialDelay: time.Second, Multiplier: 10}
	assert.Greater(t, uncapped.NextDelay(1000), time.Duration(0), "overflow clamps")
}
