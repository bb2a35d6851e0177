package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain/domaintest"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("socket reset")

// newTestRetrier records every sleep instead of waiting.
func newTestRetrier(p Policy, hm *hooks.Manager) (*Retrier, *[]time.Duration) {
	r := New(p, logging.New(nil, "silent"), hm)
	var sleeps []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return r, &sleeps
}

func msg() domain.OutboundMessage {
	return domain.OutboundMessage{To: "#ops", Body: "hi", Mentions: []string{"a"}}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.Delay)
}

func TestSendWithRetry_FirstTry(t *testing.T) {
	r, sleeps := newTestRetrier(DefaultPolicy(), nil)
	sess := domaintest.NewFakeSession("bot")

	assert.True(t, r.SendWithRetry(context.Background(), sess, msg()))
	assert.Equal(t, 1, sess.SendCalls())
	assert.Empty(t, *sleeps)
	require.Len(t, sess.Sent(), 1)
	assert.Equal(t, []string{"a"}, sess.Sent()[0].Mentions)
}

func TestSendWithRetry_SucceedsOnFifthAttempt(t *testing.T) {
	r, sleeps := newTestRetrier(DefaultPolicy(), nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(n int, _ domain.OutboundMessage) error {
		if n < 5 {
			return errFlaky
		}
		return nil
	}

	res := r.Deliver(context.Background(), sess, msg())
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, 5, sess.SendCalls())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, *sleeps)
}

func TestSendWithRetry_FailsAfterFiveAttempts(t *testing.T) {
	hm := hooks.NewManager(logging.New(nil, "silent"))
	var failed hooks.Payload
	hm.On(hooks.EventDeliveryFailed, "test", func(_ context.Context, p hooks.Payload) error {
		failed = p
		return nil
	})

	r, sleeps := newTestRetrier(DefaultPolicy(), hm)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(int, domain.OutboundMessage) error { return errFlaky }

	res := r.Deliver(context.Background(), sess, msg())
	assert.False(t, res.OK)
	assert.Equal(t, 5, res.Attempts)
	assert.ErrorIs(t, res.Err, errFlaky)
	assert.Equal(t, 5, sess.SendCalls())
	assert.Len(t, *sleeps, 4, "no wait after the final attempt")
	assert.Equal(t, "#ops", failed.String("to"))
	assert.Equal(t, 5, failed.Data["attempts"])
}

func TestSendWithRetry_ReadinessWaitsAreFree(t *testing.T) {
	r, sleeps := newTestRetrier(Policy{MaxAttempts: 2, Delay: time.Second}, nil)
	sess := domaintest.NewFakeSession("bot")
	sess.ReadyFunc = func(n int) bool { return n > 3 }
	sess.SendFunc = func(n int, _ domain.OutboundMessage) error {
		if n == 1 {
			return errFlaky
		}
		return nil
	}

	res := r.Deliver(context.Background(), sess, msg())
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 3, res.ReadyWaits)
	assert.Len(t, *sleeps, 4) // three readiness waits + one retry delay
}

func TestSendWithRetry_NotReadyErrorIsAWait(t *testing.T) {
	r, _ := newTestRetrier(Policy{MaxAttempts: 1, Delay: time.Millisecond}, nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(n int, _ domain.OutboundMessage) error {
		if n == 1 {
			return domain.ErrNotReady
		}
		return nil
	}

	res := r.Deliver(context.Background(), sess, msg())
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.ReadyWaits)
}

func TestSendWithRetry_MaxReadyWaits(t *testing.T) {
	r, _ := newTestRetrier(Policy{MaxAttempts: 5, Delay: time.Millisecond, MaxReadyWaits: 2}, nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SetReady(false)

	res := r.Deliver(context.Background(), sess, msg())
	assert.False(t, res.OK)
	assert.Zero(t, res.Attempts)
	assert.Equal(t, 2, res.ReadyWaits)
	assert.ErrorIs(t, res.Err, domain.ErrNotReady)
	assert.Zero(t, sess.SendCalls())
}

func TestSendWithRetry_ContextCancelled(t *testing.T) {
	r, _ := newTestRetrier(DefaultPolicy(), nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SetReady(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Deliver(ctx, sess, msg())
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestSendWithRetry_RealSleepHonoursContext(t *testing.T) {
	r := New(Policy{MaxAttempts: 3, Delay: time.Hour}, logging.New(nil, "silent"), nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(int, domain.OutboundMessage) error { return errFlaky }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, r.SendWithRetry(ctx, sess, msg()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, sess.SendCalls())
}

func TestSendWithRetry_PanicIsContained(t *testing.T) {
	r, _ := newTestRetrier(Policy{MaxAttempts: 2}, nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(n int, _ domain.OutboundMessage) error {
		if n == 1 {
			panic("driver bug")
		}
		return nil
	}

	var ok bool
	require.NotPanics(t, func() { ok = r.SendWithRetry(context.Background(), sess, msg()) })
	assert.True(t, ok)
	assert.Equal(t, 2, sess.SendCalls())
}

func TestNew_ClampsAttempts(t *testing.T) {
	r, _ := newTestRetrier(Policy{MaxAttempts: 0}, nil)
	sess := domaintest.NewFakeSession("bot")
	sess.SendFunc = func(int, domain.OutboundMessage) error { return errFlaky }

	res := r.Deliver(context.Background(), sess, msg())
	assert.Equal(t, 1, res.Attempts)
}
