package domain

import "strings"

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	ConversationGroup  ConversationKind = "group"
	ConversationDirect ConversationKind = "direct"
)

// Role is a participant's standing within a group conversation.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// IsAdmin reports whether the role carries administrative rights.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// ParseRole maps a backend role string to a Role. Unknown values are members.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "superadmin", "owner":
		return RoleSuperAdmin
	default:
		return RoleMember
	}
}

// Participant is one member of a group conversation.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Handle is the visible part of the participant identifier: everything
// before the first "@", or the whole ID when there is none.
func (p Participant) Handle() string {
	if i := strings.IndexByte(p.ID, '@'); i > 0 {
		return p.ID[:i]
	}
	return p.ID
}

// Membership is the participant list of a group, in backend order.
type Membership []Participant

// Find returns the participant with the given identifier.
func (m Membership) Find(id string) (Participant, bool) {
	for _, p := range m {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// IDs returns every participant identifier in membership order.
func (m Membership) IDs() []string {
	ids := make([]string, 0, len(m))
	for _, p := range m {
		ids = append(ids, p.ID)
	}
	return ids
}

// Distinct drops repeated identifiers, keeping the first occurrence.
func (m Membership) Distinct() Membership {
	seen := make(map[string]bool, len(m))
	out := make(Membership, 0, len(m))
	for _, p := range m {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}
