package command

import (
	"fmt"
	"strings"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
)

const (
	defaultAnnouncement = "📢 *Hey everyone!*"
	helpTitle           = "🤖 *TagAll Bot*"
)

// Builtins returns the standard command set for the given marker.
func Builtins(marker string) []Descriptor {
	return []Descriptor{TagAll(marker), Help(marker)}
}

// TagAll mentions every participant of the group. Admin-only, rate limited,
// and exclusive.
func TagAll(marker string) Descriptor {
	return Descriptor{
		Name:        marker + "tagall",
		Description: "Tag all members in the group",
		Usage:       marker + "tagall [announcement]",
		AdminOnly:   true,
		RateLimited: true,
		Exclusive:   true,
		Action:      tagAll,
	}
}

func tagAll(inv Invocation) (domain.OutboundMessage, error) {
	members := inv.Members.Distinct()
	if len(members) == 0 {
		return domain.OutboundMessage{}, fmt.Errorf("%w: empty membership", ErrInvalidCommand)
	}

	header := strings.TrimSpace(inv.Args)
	if header == "" {
		header = defaultAnnouncement
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	for i, p := range members {
		fmt.Fprintf(&b, "%d. @%s\n", i+1, p.Handle())
	}
	fmt.Fprintf(&b, "\n👥 Total: %d members", len(members))

	return domain.OutboundMessage{
		To:       inv.ConversationID,
		Body:     b.String(),
		Mentions: members.IDs(),
	}, nil
}

// Help lists every registered command. It is open to anyone and bypasses
// the lock and the cooldown.
func Help(marker string) Descriptor {
	return Descriptor{
		Name:        marker + "help",
		Description: "Show this help message",
		Usage:       marker + "help",
		Action:      help,
	}
}

func help(inv Invocation) (domain.OutboundMessage, error) {
	var b strings.Builder
	b.WriteString(helpTitle)
	b.WriteString("\n\n📋 *Available Commands:*\n")

	var adminOnly []string
	for _, d := range inv.Commands {
		usage := d.Usage
		if usage == "" {
			usage = d.Name
		}
		fmt.Fprintf(&b, "\n*%s*\n└ %s\n", usage, d.Description)
		if d.AdminOnly {
			b.WriteString("└ Admin only command\n")
			adminOnly = append(adminOnly, d.Name)
		}
	}
	if len(adminOnly) > 0 {
		fmt.Fprintf(&b, "\n💡 *Note:* Only group admins can use %s", strings.Join(adminOnly, ", "))
	}

	return domain.OutboundMessage{
		To:   inv.ConversationID,
		Body: strings.TrimRight(b.String(), "\n"),
	}, nil
}
