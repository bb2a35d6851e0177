// Package classify decides whether an inbound event is a command invocation.
package classify

import (
	"strings"
	"unicode"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/command"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
)

// Reason names why an event was not accepted. Rejections are checked in
// declaration order and the first failing check wins.
type Reason string

const (
	Accepted           Reason = ""
	RejectNoContent    Reason = "no_content"
	RejectNotGroup     Reason = "not_group"
	RejectUnsupported  Reason = "unsupported_content"
	RejectNoMarker     Reason = "no_marker"
	RejectUnknownToken Reason = "unknown_command"
)

// ContentPolicy selects which content shapes may carry a command.
type ContentPolicy string

const (
	// PolicyTextBearing accepts plain text, extended text and media captions.
	PolicyTextBearing ContentPolicy = "text-bearing"
	// PolicyPlain accepts plain conversational text only.
	PolicyPlain ContentPolicy = "plain"
)

// Supports reports whether the policy admits the given content kind.
func (p ContentPolicy) Supports(k domain.ContentKind) bool {
	switch k {
	case domain.ContentText:
		return true
	case domain.ContentExtendedText:
		return p == PolicyTextBearing
	default:
		return p == PolicyTextBearing && k.IsCaption()
	}
}

// Match is an accepted invocation.
type Match struct {
	Command        command.Descriptor
	EventID        string
	ConversationID string
	ActorID        string
	Args           string
}

// Classifier filters events against a registry.
type Classifier struct {
	registry *command.Registry
	policy   ContentPolicy
}

// New creates a classifier. An unrecognized policy falls back to text-bearing.
func New(registry *command.Registry, policy ContentPolicy) *Classifier {
	if policy != PolicyPlain {
		policy = PolicyTextBearing
	}
	return &Classifier{registry: registry, policy: policy}
}

// Policy returns the content policy in force.
func (c *Classifier) Policy() ContentPolicy { return c.policy }

// Classify returns the match for ev, or the reason it was rejected.
func (c *Classifier) Classify(ev domain.InboundEvent) (Match, Reason) {
	if ev.Content == nil {
		return Match{}, RejectNoContent
	}
	if ev.Kind != domain.ConversationGroup {
		return Match{}, RejectNotGroup
	}
	if !c.policy.Supports(ev.Content.Kind) {
		return Match{}, RejectUnsupported
	}

	text := strings.TrimSpace(ev.Content.Text)
	if !strings.HasPrefix(text, c.registry.Marker()) {
		return Match{}, RejectNoMarker
	}

	token, args := splitToken(text)
	desc, ok := c.registry.Resolve(strings.ToLower(token))
	if !ok {
		return Match{}, RejectUnknownToken
	}

	return Match{
		Command:        desc,
		EventID:        ev.ID,
		ConversationID: ev.ConversationID,
		ActorID:        ev.Actor(),
		Args:           args,
	}, Accepted
}

// splitToken splits trimmed text at the first run of whitespace.
func splitToken(text string) (token, rest string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}
