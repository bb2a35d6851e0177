// Package executor runs classified commands behind the single-flight lock,
// the cooldown and the admin check.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/classify"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/command"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/delivery"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/ratelimit"
)

// Outcome is the terminal state of one execution.
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeSendFailed     Outcome = "send_failed"
	OutcomeBusy           Outcome = "busy"
	OutcomeCooldown       Outcome = "cooldown"
	OutcomeDenied         Outcome = "denied"
	OutcomeNoParticipants Outcome = "no_participants"
	OutcomeFailed         Outcome = "failed"
)

// User-visible notices.
const (
	noticeNoParticipants = "No participants found in the group."
	noticeError          = "❌ An error occurred while executing the command."
	noticeDeniedFormat   = "❌ Only admins can use the %s command."
)

// ErrPanic wraps a recovered panic from a command action.
var ErrPanic = errors.New("command panicked")

// Options tune an Executor.
type Options struct {
	// Timeout bounds membership fetch, action and delivery. Zero disables it.
	Timeout time.Duration
	// AllowBotAdmin also authorizes when the agent itself is a group admin.
	AllowBotAdmin bool
}

// Executor owns the process-wide execution lock.
type Executor struct {
	busy atomic.Bool

	registry *command.Registry
	limiter  *ratelimit.Limiter
	retrier  *delivery.Retrier
	hooks    *hooks.Manager
	log      *logging.Logger
	opts     Options
}

// New creates an executor. hooks may be nil.
func New(registry *command.Registry, limiter *ratelimit.Limiter, retrier *delivery.Retrier, hm *hooks.Manager, log *logging.Logger, opts Options) *Executor {
	return &Executor{
		registry: registry,
		limiter:  limiter,
		retrier:  retrier,
		hooks:    hm,
		log:      log.Sub("executor"),
		opts:     opts,
	}
}

// report is filled in as execution proceeds and published when it ends.
type report struct {
	outcome Outcome
	members int
	err     error
}

// Execute runs one matched command to completion. It never panics and
// always releases the lock it took.
func (e *Executor) Execute(ctx context.Context, sess domain.Session, m classify.Match) Outcome {
	start := time.Now()
	log := e.log.With("command", m.Command.Name).With("conversation", m.ConversationID)

	if m.Command.Exclusive {
		if !e.busy.CompareAndSwap(false, true) {
			log.Debug().Str("actor", m.ActorID).Msg("another command is running, dropping invocation")
			e.finish(ctx, m, report{outcome: OutcomeBusy}, start)
			return OutcomeBusy
		}
		defer e.busy.Store(false)
	}

	rep := e.run(ctx, sess, m, log)
	e.finish(ctx, m, rep, start)
	return rep.outcome
}

func (e *Executor) run(ctx context.Context, sess domain.Session, m classify.Match, log *logging.Logger) (rep report) {
	defer func() {
		if p := recover(); p != nil {
			rep = report{outcome: OutcomeFailed, err: fmt.Errorf("%w: %v", ErrPanic, p)}
			log.Error().Err(rep.err).Msg("command execution panicked")
			e.notifyFailure(ctx, sess, m.ConversationID)
		}
	}()

	desc := m.Command
	if desc.RateLimited && !e.limiter.Admit(ratelimit.Key(m.ConversationID, desc.Name)) {
		log.Debug().
			Dur("remaining", e.limiter.Remaining(ratelimit.Key(m.ConversationID, desc.Name))).
			Msg("command on cooldown")
		return report{outcome: OutcomeCooldown}
	}

	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	inv := command.Invocation{
		ConversationID: m.ConversationID,
		ActorID:        m.ActorID,
		Args:           m.Args,
		Commands:       e.registry.Describe(),
	}

	if desc.AdminOnly {
		members, err := sess.FetchMembership(runCtx, m.ConversationID)
		if err != nil {
			log.Error().Err(err).Msg("membership fetch failed")
			e.notifyFailure(ctx, sess, m.ConversationID)
			return report{outcome: OutcomeFailed, err: err}
		}
		rep.members = len(members)
		if len(members) == 0 {
			log.Warn().Msg("group has no participants")
			e.reply(runCtx, sess, m.ConversationID, noticeNoParticipants)
			return report{outcome: OutcomeNoParticipants}
		}
		if !e.authorized(members, m.ActorID, sess.SelfID()) {
			log.Info().Str("actor", m.ActorID).Msg("non-admin invocation denied")
			e.reply(runCtx, sess, m.ConversationID, fmt.Sprintf(noticeDeniedFormat, desc.Name))
			return report{outcome: OutcomeDenied, members: rep.members}
		}
		inv.Members = members
	}

	msg, err := desc.Action(inv)
	if err != nil {
		log.Error().Err(err).Msg("command action failed")
		e.notifyFailure(ctx, sess, m.ConversationID)
		return report{outcome: OutcomeFailed, members: rep.members, err: err}
	}

	if !e.retrier.SendWithRetry(runCtx, sess, msg) {
		return report{outcome: OutcomeSendFailed, members: rep.members, err: runCtx.Err()}
	}
	log.Info().Str("actor", m.ActorID).Int("mentions", len(msg.Mentions)).Msg("command completed")
	return report{outcome: OutcomeSent, members: rep.members}
}

// authorized checks the actor's role, and the agent's own role when the
// bot-admin policy is on.
func (e *Executor) authorized(members domain.Membership, actorID, selfID string) bool {
	if p, ok := members.Find(actorID); ok && p.Role.IsAdmin() {
		return true
	}
	if e.opts.AllowBotAdmin && selfID != "" {
		if p, ok := members.Find(selfID); ok && p.Role.IsAdmin() {
			return true
		}
	}
	return false
}

func (e *Executor) reply(ctx context.Context, sess domain.Session, to, text string) {
	e.retrier.SendWithRetry(ctx, sess, domain.OutboundMessage{To: to, Body: text})
}

// notifyFailure sends one best-effort error notice if the session is up.
func (e *Executor) notifyFailure(ctx context.Context, sess domain.Session, to string) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn().Str("panic", fmt.Sprint(p)).Msg("failure notice panicked")
		}
	}()
	if !sess.Ready() {
		return
	}
	if err := sess.Send(ctx, domain.OutboundMessage{To: to, Body: noticeError}); err != nil {
		e.log.Warn().Err(err).Str("conversation", to).Msg("failure notice not delivered")
	}
}

func (e *Executor) finish(ctx context.Context, m classify.Match, rep report, start time.Time) {
	data := map[string]any{
		"eventId":      m.EventID,
		"command":      m.Command.Name,
		"conversation": m.ConversationID,
		"actor":        m.ActorID,
		"outcome":      string(rep.outcome),
		"members":      rep.members,
		"durationMs":   time.Since(start).Milliseconds(),
	}
	if rep.err != nil {
		data["error"] = rep.err.Error()
	}
	e.hooks.Emit(ctx, hooks.EventCommandFinished, data)
}
