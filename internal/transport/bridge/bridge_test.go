package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a scriptable bridge server.
type fakeBridge struct {
	t     *testing.T
	token string
	hello Hello

	// reply answers requests other than connect. Nil payload with nil error
	// means an empty success.
	reply func(method string, params json.RawMessage) (any, *ErrorShape)

	mu    sync.Mutex
	conn  *websocket.Conn
	calls []Frame
	ready chan struct{}
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	fb := &fakeBridge{
		t:     t,
		token: "secret",
		hello: Hello{Protocol: ProtocolVersion, Self: "bot@s.whatsapp.net", State: domain.StateOpen},
		ready: make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(srv.Close)
	return fb, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fb *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+fb.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()
	close(fb.ready)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		fb.mu.Lock()
		fb.calls = append(fb.calls, f)
		fb.mu.Unlock()

		var resp Frame
		switch {
		case f.Method == MethodConnect:
			resp, _ = NewResponse(f.ID, fb.hello)
		case fb.reply != nil:
			payload, shape := fb.reply(f.Method, f.Params)
			if shape != nil {
				resp = NewErrorResponse(f.ID, *shape)
			} else {
				resp, _ = NewResponse(f.ID, payload)
			}
		default:
			resp, _ = NewResponse(f.ID, struct{}{})
		}
		fb.write(resp)
	}
}

func (fb *fakeBridge) write(f Frame) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_ = fb.conn.WriteJSON(f)
}

func (fb *fakeBridge) pushEvent(name string, payload any, seq int64) {
	<-fb.ready
	f, err := NewEvent(name, payload, seq)
	require.NoError(fb.t, err)
	fb.write(f)
}

func (fb *fakeBridge) closeWith(code int) {
	<-fb.ready
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_ = fb.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = fb.conn.Close()
}

func (fb *fakeBridge) requests(method string) []Frame {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []Frame
	for _, f := range fb.calls {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

func connect(t *testing.T, srv *httptest.Server, token string) (*Session, error) {
	t.Helper()
	c := NewConnector(config.BridgeConfig{URL: wsURL(srv), Token: token, RequestTimeout: 2000}, logging.New(nil, "silent"))
	sess, err := c.Connect(context.Background())
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess.(*Session), nil
}

func nextEvent(t *testing.T, s *Session) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.Event{}
	}
}

func TestConnect_HandshakeOpensSession(t *testing.T) {
	fb, srv := newFakeBridge(t)
	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)

	assert.Equal(t, domain.StateConnecting, nextEvent(t, sess).State)
	assert.Equal(t, domain.StateOpen, nextEvent(t, sess).State)
	assert.True(t, sess.Ready())
	assert.Equal(t, "bot@s.whatsapp.net", sess.SelfID())

	reqs := fb.requests(MethodConnect)
	require.Len(t, reqs, 1)
	var params ConnectParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, ProtocolVersion, params.Protocol)
	assert.Equal(t, "secret", params.Token)
}

func TestConnect_NotOpenUntilBackendReports(t *testing.T) {
	fb, srv := newFakeBridge(t)
	fb.hello.State = domain.StateConnecting

	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnecting, nextEvent(t, sess).State)
	assert.False(t, sess.Ready())

	err = sess.Send(context.Background(), domain.OutboundMessage{To: "g@g.us", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotReady)

	fb.pushEvent(EventConnection, ConnectionPayload{State: domain.StateOpen}, 1)
	assert.Equal(t, domain.StateOpen, nextEvent(t, sess).State)
	assert.True(t, sess.Ready())
}

func TestConnect_BadTokenIsLogout(t *testing.T) {
	_, srv := newFakeBridge(t)
	_, err := connect(t, srv, "wrong")
	assert.ErrorIs(t, err, domain.ErrLoggedOut)
}

func TestConnect_UnreachableIsNotLogout(t *testing.T) {
	c := NewConnector(config.BridgeConfig{URL: "ws://127.0.0.1:1/ws"}, logging.New(nil, "silent"))
	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLoggedOut)
}

func TestFetchMembership(t *testing.T) {
	fb, srv := newFakeBridge(t)
	fb.reply = func(method string, params json.RawMessage) (any, *ErrorShape) {
		if method != MethodMembers {
			return nil, &ErrorShape{Code: "bad_method", Message: method}
		}
		var p MembersParams
		_ = json.Unmarshal(params, &p)
		if p.ConversationID != "team@g.us" {
			return nil, &ErrorShape{Code: "not_found", Message: "no such group"}
		}
		return MembersResult{Participants: []WireParticipant{
			{ID: "alice@s.whatsapp.net", Role: "admin"},
			{ID: "bob@s.whatsapp.net"},
			{ID: "carol@s.whatsapp.net", Role: "superadmin"},
		}}, nil
	}

	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)

	m, err := sess.FetchMembership(context.Background(), "team@g.us")
	require.NoError(t, err)
	assert.Equal(t, domain.Membership{
		{ID: "alice@s.whatsapp.net", Role: domain.RoleAdmin},
		{ID: "bob@s.whatsapp.net", Role: domain.RoleMember},
		{ID: "carol@s.whatsapp.net", Role: domain.RoleSuperAdmin},
	}, m)

	_, err = sess.FetchMembership(context.Background(), "other@g.us")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such group")
}

func TestSend_CarriesMentions(t *testing.T) {
	fb, srv := newFakeBridge(t)
	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)

	msg := domain.OutboundMessage{To: "team@g.us", Body: "hello", Mentions: []string{"a@s", "b@s"}}
	require.NoError(t, sess.Send(context.Background(), msg))

	reqs := fb.requests(MethodSend)
	require.Len(t, reqs, 1)
	var p SendParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &p))
	assert.Equal(t, SendParams{To: "team@g.us", Text: "hello", Mentions: []string{"a@s", "b@s"}}, p)
}

func TestSend_RejectedByBridge(t *testing.T) {
	fb, srv := newFakeBridge(t)
	fb.reply = func(string, json.RawMessage) (any, *ErrorShape) {
		return nil, &ErrorShape{Code: "rate_limited", Message: "slow down", Retryable: true}
	}
	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)

	err = sess.Send(context.Background(), domain.OutboundMessage{To: "team@g.us", Body: "x"})
	require.Error(t, err)
	var shape *ErrorShape
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "rate_limited", shape.Code)
}

func TestMessageEventsArriveInOrder(t *testing.T) {
	fb, srv := newFakeBridge(t)
	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)
	nextEvent(t, sess) // connecting
	nextEvent(t, sess) // open

	for i, text := range []string{".tagall", ".help"} {
		fb.pushEvent(EventMessage, domain.InboundEvent{
			ID:             text,
			ConversationID: "team@g.us",
			Kind:           domain.ConversationGroup,
			SenderID:       "alice@s.whatsapp.net",
			Content:        &domain.Content{Kind: domain.ContentText, Text: text},
		}, int64(i+1))
	}

	for _, want := range []string{".tagall", ".help"} {
		ev := nextEvent(t, sess)
		require.Equal(t, domain.EventMessage, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, want, ev.Message.ID)
		assert.Equal(t, want, ev.Message.Content.Text)
		assert.False(t, ev.Message.ReceivedAt.IsZero())
	}
}

func TestClosure(t *testing.T) {
	tests := []struct {
		name  string
		close func(fb *fakeBridge)
		want  domain.CloseReason
	}{
		{"logout close code", func(fb *fakeBridge) { fb.closeWith(CloseCodeLoggedOut) }, domain.CloseLoggedOut},
		{"replaced", func(fb *fakeBridge) { fb.closeWith(CloseCodeReplaced) }, domain.CloseReplaced},
		{"server shutdown", func(fb *fakeBridge) { fb.closeWith(websocket.CloseGoingAway) }, domain.CloseServer},
		{"backend logout event", func(fb *fakeBridge) {
			fb.pushEvent(EventConnection, ConnectionPayload{State: domain.StateClosed, Reason: domain.CloseLoggedOut, Error: "device removed"}, 1)
		}, domain.CloseLoggedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, srv := newFakeBridge(t)
			sess, err := connect(t, srv, "secret")
			require.NoError(t, err)
			nextEvent(t, sess) // connecting
			nextEvent(t, sess) // open

			tt.close(fb)

			ev := nextEvent(t, sess)
			require.Equal(t, domain.StateClosed, ev.State)
			require.NotNil(t, ev.Closure)
			assert.Equal(t, tt.want, ev.Closure.Reason)
			assert.False(t, sess.Ready())

			_, ok := <-sess.Events()
			assert.False(t, ok, "stream ends after closure")
		})
	}
}

func TestClose_IsIdempotentAndEndsStream(t *testing.T) {
	_, srv := newFakeBridge(t)
	sess, err := connect(t, srv, "secret")
	require.NoError(t, err)

	_ = sess.Close()
	_ = sess.Close()
	assert.False(t, sess.Ready())

	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-sess.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeInbound(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ev, ok := decodeInbound(json.RawMessage(`{"conversationId":"team@g.us","kind":"group","senderId":"bot@s","content":{"kind":"text","text":".help"}}`), "bot@s", now)
	require.True(t, ok)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.True(t, ev.FromSelf)

	ev, ok = decodeInbound(json.RawMessage(`{"id":"x","conversationId":"alice@s"}`), "bot@s", now)
	require.True(t, ok)
	assert.Equal(t, domain.ConversationDirect, ev.Kind)
	assert.Nil(t, ev.Content)

	_, ok = decodeInbound(json.RawMessage(`{"id":"x"}`), "", now)
	assert.False(t, ok)
	_, ok = decodeInbound(json.RawMessage(`not json`), "", now)
	assert.False(t, ok)
}

func TestFetchMembership_UnreadEventsDoNotStallResponses(t *testing.T) {
	fb, srv := newFakeBridge(t)
	fb.reply = func(string, json.RawMessage) (any, *ErrorShape) {
		return MembersResult{Participants: []WireParticipant{{ID: "alice@s", Role: "admin"}}}, nil
	}

	c := NewConnector(config.BridgeConfig{URL: wsURL(srv), Token: "secret", RequestTimeout: 1000}, logging.New(nil, "silent"))
	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	sess := conn.(*Session)
	t.Cleanup(func() { _ = sess.Close() })

	// More events than the stream buffers, none of them read yet.
	const backlog = eventBuffer + 44
	for i := 0; i < backlog; i++ {
		fb.pushEvent(EventMessage, domain.InboundEvent{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "team@g.us",
			Kind:           domain.ConversationGroup,
			SenderID:       "bob@s",
			Content:        &domain.Content{Kind: domain.ContentText, Text: "chatter"},
		}, int64(i+1))
	}

	m, err := sess.FetchMembership(context.Background(), "team@g.us")
	require.NoError(t, err)
	assert.Len(t, m, 1)

	// Nothing was lost while the consumer lagged.
	nextEvent(t, sess) // connecting
	nextEvent(t, sess) // open
	for i := 0; i < backlog; i++ {
		ev := nextEvent(t, sess)
		require.NotNil(t, ev.Message)
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.Message.ID)
	}
}

func TestPush_DropsMessagesPastQueueLimit(t *testing.T) {
	s := newSession(nil, logging.New(nil, "silent"), time.Second)

	msg := domain.InboundEvent{ID: "x", ConversationID: "team@g.us"}
	for i := 0; i < maxQueued+5; i++ {
		s.push(domain.Event{Type: domain.EventMessage, Message: &msg})
	}
	assert.Len(t, s.queue, maxQueued)

	s.push(domain.Event{Type: domain.EventState, State: domain.StateConnecting})
	s.finish(domain.Closure{Reason: domain.CloseServer})
	s.push(domain.Event{Type: domain.EventState, State: domain.StateOpen})
	require.Len(t, s.queue, maxQueued+2)
	assert.Equal(t, domain.StateConnecting, s.queue[maxQueued].State)
	assert.Equal(t, domain.StateClosed, s.queue[maxQueued+1].State)
}

func TestWriteDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(30*time.Second), writeDeadline(context.Background(), now, 30*time.Second))

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(2*time.Second))
	defer cancel()
	assert.Equal(t, now.Add(2*time.Second), writeDeadline(ctx, now, 30*time.Second))

	late, cancel2 := context.WithDeadline(context.Background(), now.Add(time.Minute))
	defer cancel2()
	assert.Equal(t, now.Add(30*time.Second), writeDeadline(late, now, 30*time.Second))
}
