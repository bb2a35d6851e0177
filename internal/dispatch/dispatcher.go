// Package dispatch routes inbound session events through the classifier
// to the executor.
package dispatch

import (
	"context"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/classify"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/executor"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
)

// Executor runs an accepted command.
type Executor interface {
	Execute(ctx context.Context, sess domain.Session, m classify.Match) executor.Outcome
}

// Dispatcher handles one inbound event at a time.
type Dispatcher struct {
	classifier *classify.Classifier
	exec       Executor
	hooks      *hooks.Manager
	seen       *seenSet
	log        *logging.Logger
}

// New creates a dispatcher. dedupWindow of zero disables duplicate
// suppression. hooks may be nil.
func New(classifier *classify.Classifier, exec Executor, hm *hooks.Manager, dedupWindow time.Duration, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		classifier: classifier,
		exec:       exec,
		hooks:      hm,
		seen:       newSeenSet(dedupWindow, time.Now),
		log:        log.Sub("dispatch"),
	}
}

// Handle processes one inbound event. Rejected events are dropped silently.
func (d *Dispatcher) Handle(ctx context.Context, sess domain.Session, ev domain.InboundEvent) {
	if !d.seen.firstSight(ev.ID) {
		d.log.Debug().Str("eventId", ev.ID).Msg("duplicate event dropped")
		return
	}

	// Every group message passes here; observers must not hold up the loop.
	d.hooks.EmitAsync(ctx, hooks.EventMessageReceived, map[string]any{
		"eventId":      ev.ID,
		"conversation": ev.ConversationID,
		"kind":         string(ev.Kind),
		"sender":       ev.SenderID,
		"fromSelf":     ev.FromSelf,
	})

	m, reason := d.classifier.Classify(ev)
	if reason != classify.Accepted {
		d.log.Trace().
			Str("eventId", ev.ID).
			Str("conversation", ev.ConversationID).
			Str("reason", string(reason)).
			Msg("event ignored")
		return
	}

	d.log.Info().
		Str("command", m.Command.Name).
		Str("conversation", m.ConversationID).
		Str("actor", m.ActorID).
		Bool("fromSelf", ev.FromSelf).
		Msg("dispatching command")

	outcome := d.exec.Execute(ctx, sess, m)
	d.log.Debug().
		Str("command", m.Command.Name).
		Str("outcome", string(outcome)).
		Msg("command finished")
}
