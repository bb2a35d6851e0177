// Package command holds the closed set of chat commands the agent answers.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
)

var (
	// ErrDuplicateCommand is returned when two descriptors share a name.
	ErrDuplicateCommand = errors.New("duplicate command name")
	// ErrNoCommands is returned when a registry is built from nothing.
	ErrNoCommands = errors.New("no commands registered")
	// ErrInvalidCommand is returned for descriptors that cannot be dispatched.
	ErrInvalidCommand = errors.New("invalid command")
)

// Invocation is everything an action needs to build its reply.
type Invocation struct {
	ConversationID string
	ActorID        string
	Args           string
	// Members is the live membership, fetched only for admin-only commands.
	Members domain.Membership
	// Commands is the registry listing, in registration order.
	Commands []Descriptor
}

// Action builds the outbound reply for an invocation.
type Action func(inv Invocation) (domain.OutboundMessage, error)

// Descriptor describes one command and the gates it runs behind.
type Descriptor struct {
	Name        string
	Description string
	Usage       string

	AdminOnly   bool // actor must be admin or superadmin
	RateLimited bool // subject to the per-conversation cooldown
	Exclusive   bool // runs under the process-wide execution lock

	Action Action
}

// Registry is an immutable, name-indexed set of commands.
type Registry struct {
	marker string
	byName map[string]Descriptor
	order  []Descriptor
}

// NewRegistry validates and indexes descriptors. Names are matched
// case-insensitively and must begin with marker.
func NewRegistry(marker string, descs ...Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, ErrNoCommands
	}

	r := &Registry{
		marker: marker,
		byName: make(map[string]Descriptor, len(descs)),
		order:  make([]Descriptor, 0, len(descs)),
	}
	for _, d := range descs {
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		switch {
		case !strings.HasPrefix(d.Name, marker) || len(d.Name) == len(marker):
			return nil, fmt.Errorf("%w: %q must start with %q", ErrInvalidCommand, d.Name, marker)
		case strings.ContainsAny(d.Name, " \t\r\n"):
			return nil, fmt.Errorf("%w: %q contains whitespace", ErrInvalidCommand, d.Name)
		case d.Action == nil:
			return nil, fmt.Errorf("%w: %q has no action", ErrInvalidCommand, d.Name)
		}
		if _, exists := r.byName[d.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, d.Name)
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d)
	}
	return r, nil
}

// Marker returns the leading command character.
func (r *Registry) Marker() string { return r.marker }

// Resolve looks up a command by its already-normalized token. Only exact
// matches resolve.
func (r *Registry) Resolve(token string) (Descriptor, bool) {
	d, ok := r.byName[token]
	return d, ok
}

// Describe returns every command in registration order.
func (r *Registry) Describe() []Descriptor {
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, d := range r.order {
		names[i] = d.Name
	}
	return names
}
