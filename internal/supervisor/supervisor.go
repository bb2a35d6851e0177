// Package supervisor owns the session lifecycle: connect, pump events,
// and reconnect until the backend logs the agent out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
)

// errStreamEnded marks an event channel that closed without a closure event.
var errStreamEnded = errors.New("event stream ended")

// Handler consumes inbound messages. Calls are sequential, in arrival order.
type Handler interface {
	Handle(ctx context.Context, sess domain.Session, ev domain.InboundEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess domain.Session, ev domain.InboundEvent)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, sess domain.Session, ev domain.InboundEvent) {
	f(ctx, sess, ev)
}

// Options configure a Supervisor.
type Options struct {
	Policy ReconnectPolicy
	// OnOpen runs each time a session reports open.
	OnOpen func(ctx context.Context, sess domain.Session)
}

// Supervisor keeps exactly one session alive at a time.
type Supervisor struct {
	connector domain.Connector
	handler   Handler
	hooks     *hooks.Manager
	log       *logging.Logger
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor. hooks may be nil.
func New(connector domain.Connector, handler Handler, hm *hooks.Manager, log *logging.Logger, opts Options) *Supervisor {
	return &Supervisor{
		connector: connector,
		handler:   handler,
		hooks:     hm,
		log:       log.Sub("supervisor"),
		opts:      opts,
		sleep:     sleepCtx,
	}
}

// Run connects and processes events until the session is logged out
// (returns nil) or ctx is cancelled (returns ctx.Err()). Every other
// closure, including a failed connect, schedules a reconnect.
func (s *Supervisor) Run(ctx context.Context) error {
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		closure, opened := s.runSession(ctx)
		if err := ctx.Err(); err != nil {
			s.log.Info().Msg("supervisor stopped")
			return err
		}
		if closure.LoggedOut() {
			s.log.Warn().Err(closure.Err).Msg("logged out, not reconnecting")
			return nil
		}

		if opened {
			retry = 0
		}
		delay := s.opts.Policy.NextDelay(retry)
		retry++

		s.log.Info().
			Str("reason", string(closure.Reason)).
			Dur("delay", delay).
			Int("attempt", retry).
			Msg("reconnect scheduled")
		s.hooks.Emit(ctx, hooks.EventReconnectScheduled, map[string]any{
			"reason":  string(closure.Reason),
			"delayMs": delay.Milliseconds(),
			"attempt": retry,
		})

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runSession drives one session from connect to closure. opened reports
// whether the session ever reached StateOpen.
func (s *Supervisor) runSession(ctx context.Context) (closure domain.Closure, opened bool) {
	s.log.Info().Msg("connecting")
	s.hooks.Emit(ctx, hooks.EventConnecting, nil)

	sess, err := s.connect(ctx)
	if err != nil {
		reason := domain.CloseConnection
		if errors.Is(err, domain.ErrLoggedOut) {
			reason = domain.CloseLoggedOut
		}
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("connect failed")
		}
		closure = domain.Closure{Reason: reason, Err: err}
		s.emitClosed(ctx, closure)
		return closure, false
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.log.Debug().Err(err).Msg("session close")
		}
	}()

	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return domain.Closure{Reason: domain.CloseLocal, Err: ctx.Err()}, opened

		case ev, ok := <-events:
			if !ok {
				closure = domain.Closure{Reason: domain.CloseUnknown, Err: errStreamEnded}
				s.emitClosed(ctx, closure)
				return closure, opened
			}

			switch ev.Type {
			case domain.EventMessage:
				if ev.Message != nil {
					s.handle(ctx, sess, *ev.Message)
				}

			case domain.EventState:
				switch ev.State {
				case domain.StateConnecting:
					s.log.Debug().Msg("session connecting")
				case domain.StateOpen:
					opened = true
					s.log.Info().Str("self", sess.SelfID()).Msg("connection open")
					s.hooks.Emit(ctx, hooks.EventConnectionOpen, map[string]any{"self": sess.SelfID()})
					if s.opts.OnOpen != nil {
						s.opts.OnOpen(ctx, sess)
					}
				case domain.StateClosed:
					closure = domain.Closure{Reason: domain.CloseUnknown}
					if ev.Closure != nil {
						closure = *ev.Closure
					}
					s.emitClosed(ctx, closure)
					return closure, opened
				}
			}
		}
	}
}

// connect calls the connector, converting a panic into an error.
func (s *Supervisor) connect(ctx context.Context) (sess domain.Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			sess, err = nil, fmt.Errorf("connect panicked: %v", p)
		}
	}()
	return s.connector.Connect(ctx)
}

// handle runs the handler for one message. A panic is logged and the loop
// carries on.
func (s *Supervisor) handle(ctx context.Context, sess domain.Session, ev domain.InboundEvent) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().
				Str("eventId", ev.ID).
				Str("conversation", ev.ConversationID).
				Str("panic", fmt.Sprint(p)).
				Msg("message handler panicked")
		}
	}()
	s.handler.Handle(ctx, sess, ev)
}

func (s *Supervisor) emitClosed(ctx context.Context, c domain.Closure) {
	evt := s.log.Warn().Str("reason", string(c.Reason))
	if c.Err != nil {
		evt = evt.Err(c.Err)
	}
	evt.Msg("connection closed")

	data := map[string]any{"reason": string(c.Reason), "loggedOut": c.LoggedOut()}
	if c.Err != nil {
		data["error"] = c.Err.Error()
	}
	s.hooks.Emit(ctx, hooks.EventConnectionClosed, data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
