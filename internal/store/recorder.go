package store

import (
	"context"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
)

const hookName = "store"

// Attach records command outcomes and connection changes emitted on hm.
func (db *DB) Attach(hm *hooks.Manager) {
	hm.On(hooks.EventCommandFinished, hookName, db.onCommandFinished)
	hm.On(hooks.EventConnectionOpen, hookName, db.onConnection)
	hm.On(hooks.EventConnectionClosed, hookName, db.onConnection)
}

// Detach stops recording.
func (db *DB) Detach(hm *hooks.Manager) {
	hm.Off(hooks.EventCommandFinished, hookName)
	hm.Off(hooks.EventConnectionOpen, hookName)
	hm.Off(hooks.EventConnectionClosed, hookName)
}

func (db *DB) onCommandFinished(ctx context.Context, p hooks.Payload) error {
	return db.RecordInvocation(context.WithoutCancel(ctx), Invocation{
		EventID:      p.String("eventId"),
		Command:      p.String("command"),
		Conversation: p.String("conversation"),
		Actor:        p.String("actor"),
		Outcome:      p.String("outcome"),
		Members:      int(p.Int("members")),
		Duration:     time.Duration(p.Int("durationMs")) * time.Millisecond,
		Error:        p.String("error"),
	})
}

func (db *DB) onConnection(ctx context.Context, p hooks.Payload) error {
	ev := ConnectionEvent{State: "open", Detail: p.String("self")}
	if p.Event == hooks.EventConnectionClosed {
		ev = ConnectionEvent{State: "closed", Reason: p.String("reason"), Detail: p.String("error")}
	}
	return db.RecordConnection(context.WithoutCancel(ctx), ev)
}
