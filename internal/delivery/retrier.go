// Package delivery sends outbound messages with bounded retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
)

// Policy bounds a delivery.
type Policy struct {
	// MaxAttempts counts real send calls only; readiness waits are free.
	MaxAttempts int
	// Delay is the pause after a failed send and between readiness checks.
	Delay time.Duration
	// MaxReadyWaits caps readiness waits per delivery (0 = no cap; the
	// caller's context is then the only bound).
	MaxReadyWaits int
}

// DefaultPolicy returns five attempts three seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: 3 * time.Second}
}

// Result reports how a delivery went.
type Result struct {
	OK         bool
	Attempts   int
	ReadyWaits int
	Err        error // last send error, or the context error
}

// Retrier wraps Session.Send with retries.
type Retrier struct {
	policy Policy
	log    *logging.Logger
	hooks  *hooks.Manager
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a retrier. hooks may be nil.
func New(policy Policy, log *logging.Logger, hm *hooks.Manager) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy: policy,
		log:    log.Sub("delivery"),
		hooks:  hm,
		sleep:  sleepCtx,
	}
}

// SendWithRetry delivers msg and reports success. It never panics.
func (r *Retrier) SendWithRetry(ctx context.Context, sess domain.Session, msg domain.OutboundMessage) bool {
	return r.Deliver(ctx, sess, msg).OK
}

// Deliver is SendWithRetry with the full result.
func (r *Retrier) Deliver(ctx context.Context, sess domain.Session, msg domain.OutboundMessage) Result {
	var res Result
	for res.Attempts < r.policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		if !sess.Ready() {
			if r.policy.MaxReadyWaits > 0 && res.ReadyWaits >= r.policy.MaxReadyWaits {
				res.Err = domain.ErrNotReady
				break
			}
			res.ReadyWaits++
			r.log.Debug().Str("to", msg.To).Int("wait", res.ReadyWaits).Msg("session not ready, waiting")
			if err := r.sleep(ctx, r.policy.Delay); err != nil {
				res.Err = err
				break
			}
			continue
		}

		err := r.send(ctx, sess, msg)
		if errors.Is(err, domain.ErrNotReady) {
			// The connection dropped between the check and the call.
			res.ReadyWaits++
			if err := r.sleep(ctx, r.policy.Delay); err != nil {
				res.Err = err
				break
			}
			continue
		}

		res.Attempts++
		if err == nil {
			res.OK = true
			res.Err = nil
			if res.Attempts > 1 {
				r.log.Info().Str("to", msg.To).Int("attempts", res.Attempts).Msg("message delivered after retry")
			}
			return res
		}

		res.Err = err
		r.log.Warn().Err(err).
			Str("to", msg.To).
			Int("attempt", res.Attempts).
			Int("maxAttempts", r.policy.MaxAttempts).
			Msg("send failed")

		if res.Attempts < r.policy.MaxAttempts {
			if err := r.sleep(ctx, r.policy.Delay); err != nil {
				res.Err = err
				break
			}
		}
	}

	r.log.Error().Err(res.Err).
		Str("to", msg.To).
		Int("attempts", res.Attempts).
		Int("readyWaits", res.ReadyWaits).
		Msg("delivery failed")
	r.hooks.Emit(ctx, hooks.EventDeliveryFailed, map[string]any{
		"to":       msg.To,
		"attempts": res.Attempts,
		"error":    fmt.Sprint(res.Err),
	})
	return res
}

// send calls Session.Send, converting a panic into an error.
func (r *Retrier) send(ctx context.Context, sess domain.Session, msg domain.OutboundMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panicked: %v", p)
		}
	}()
	return sess.Send(ctx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
