package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/classify"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/command"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/delivery"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain/domaintest"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/executor"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	mu      sync.Mutex
	matches []classify.Match
}

func (r *recordingExecutor) Execute(_ context.Context, _ domain.Session, m classify.Match) executor.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, m)
	return executor.OutcomeSent
}

func newClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	reg, err := command.NewRegistry(".", command.Builtins(".")...)
	require.NoError(t, err)
	return classify.New(reg, classify.PolicyTextBearing)
}

func event(id, conversation string, kind domain.ConversationKind, text string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:             id,
		ConversationID: conversation,
		Kind:           kind,
		SenderID:       "alice@host",
		Content:        &domain.Content{Kind: domain.ContentText, Text: text},
		ReceivedAt:     time.Now(),
	}
}

func TestHandle_AcceptedReachesExecutor(t *testing.T) {
	rec := &recordingExecutor{}
	d := New(newClassifier(t), rec, nil, time.Minute, logging.New(nil, "silent"))
	sess := domaintest.NewFakeSession("bot@host")

	d.Handle(context.Background(), sess, event("1", "#ops", domain.ConversationGroup, ".tagall hi"))

	require.Len(t, rec.matches, 1)
	assert.Equal(t, ".tagall", rec.matches[0].Command.Name)
	assert.Equal(t, "hi", rec.matches[0].Args)
}

func TestHandle_RejectionsNeverExecute(t *testing.T) {
	rec := &recordingExecutor{}
	d := New(newClassifier(t), rec, nil, time.Minute, logging.New(nil, "silent"))
	sess := domaintest.NewFakeSession("bot@host")
	ctx := context.Background()

	d.Handle(ctx, sess, event("1", "alice@host", domain.ConversationDirect, ".tagall"))
	d.Handle(ctx, sess, event("2", "#ops", domain.ConversationGroup, "tagall"))
	d.Handle(ctx, sess, event("3", "#ops", domain.ConversationGroup, ".tagal"))
	d.Handle(ctx, sess, event("4", "#ops", domain.ConversationGroup, "hello .help"))

	assert.Empty(t, rec.matches)
	assert.Zero(t, sess.SendCalls())
}

func TestHandle_DuplicateEventDropped(t *testing.T) {
	rec := &recordingExecutor{}
	d := New(newClassifier(t), rec, nil, time.Minute, logging.New(nil, "silent"))
	sess := domaintest.NewFakeSession("bot@host")
	ctx := context.Background()

	ev := event("dup", "#ops", domain.ConversationGroup, ".help")
	d.Handle(ctx, sess, ev)
	d.Handle(ctx, sess, ev)

	assert.Len(t, rec.matches, 1)
}

func TestHandle_DedupDisabled(t *testing.T) {
	rec := &recordingExecutor{}
	d := New(newClassifier(t), rec, nil, 0, logging.New(nil, "silent"))
	sess := domaintest.NewFakeSession("bot@host")

	ev := event("dup", "#ops", domain.ConversationGroup, ".help")
	d.Handle(context.Background(), sess, ev)
	d.Handle(context.Background(), sess, ev)

	assert.Len(t, rec.matches, 2)
}

func TestHandle_EmitsMessageReceived(t *testing.T) {
	log := logging.New(nil, "silent")
	hm := hooks.NewManager(log)
	got := make(chan hooks.Payload, 1)
	hm.On(hooks.EventMessageReceived, "test", func(_ context.Context, p hooks.Payload) error {
		got <- p
		return nil
	})

	d := New(newClassifier(t), &recordingExecutor{}, hm, time.Minute, log)
	d.Handle(context.Background(), domaintest.NewFakeSession("bot"), event("7", "#ops", domain.ConversationGroup, "just chatting"))

	select {
	case p := <-got:
		assert.Equal(t, "7", p.String("eventId"))
		assert.Equal(t, "#ops", p.String("conversation"))
		assert.Equal(t, "group", p.String("kind"))
	case <-time.After(time.Second):
		t.Fatal("message_received not emitted")
	}
}

// Full pipeline with the real executor: the second .tagall inside the
// cooldown produces no outbound send.
func TestHandle_EndToEndCooldown(t *testing.T) {
	log := logging.New(nil, "silent")
	reg, err := command.NewRegistry(".", command.Builtins(".")...)
	require.NoError(t, err)

	exec := executor.New(reg,
		ratelimit.New(time.Hour),
		delivery.New(delivery.Policy{MaxAttempts: 1}, log, nil),
		nil, log, executor.Options{})
	d := New(classify.New(reg, classify.PolicyTextBearing), exec, nil, time.Minute, log)

	sess := domaintest.NewFakeSession("bot@host")
	sess.SetMembers("#ops", domain.Membership{
		{ID: "alice@host", Role: domain.RoleAdmin},
		{ID: "bob@host", Role: domain.RoleMember},
	})

	ctx := context.Background()
	d.Handle(ctx, sess, event("1", "#ops", domain.ConversationGroup, ".tagall"))
	d.Handle(ctx, sess, event("2", "#ops", domain.ConversationGroup, ".TAGALL"))

	sent := sess.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alice@host", "bob@host"}, sent[0].Mentions)
}

func TestSeenSet(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSeenSet(time.Minute, func() time.Time { return now })

	assert.True(t, s.firstSight("a"))
	assert.False(t, s.firstSight("a"))
	assert.True(t, s.firstSight(""))
	assert.True(t, s.firstSight(""))

	now = now.Add(2 * time.Minute)
	assert.True(t, s.firstSight("a"), "expired entries are forgotten")
	assert.Equal(t, 1, s.len(), "stale entries pruned")
}
