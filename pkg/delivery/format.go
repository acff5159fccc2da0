package delivery

import (
	"fmt"
	"strings"

	"github.com/cccc-dev/cccc/pkg/inbox"
	"github.com/cccc-dev/cccc/pkg/models"
)

// BlobResolver resolves spilled text back to its content; the ledger's blob
// store satisfies it.
type BlobResolver interface {
	Resolve(text string) (string, error)
}

// FormatEvent renders one event as the line injected into a terminal.
// ok is false for kinds that are never injected.
func FormatEvent(ev *models.Event, blobs BlobResolver) (string, bool) {
	switch ev.Kind {
	case models.KindChatMessage:
		msg, err := ev.ChatMessage()
		if err != nil {
			return "", false
		}
		text := resolveText(msg.Text, blobs)
		to := "all"
		if len(msg.To) > 0 {
			to = strings.Join(msg.To, ",")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[cccc] %s → %s", ev.By, to)
		if msg.Priority == models.PriorityAttention {
			fmt.Fprintf(&b, " [attention:%s]", ev.ID)
		}
		if msg.SrcGroupID != "" {
			fmt.Fprintf(&b, " (relayed from %s)", msg.SrcGroupID)
		}
		fmt.Fprintf(&b, ": %s", text)
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "\n[cccc] attachment: %s (%d bytes)", att.Path, att.Bytes)
		}
		return b.String(), true

	case models.KindSystemNotify:
		n, err := ev.Notify()
		if err != nil {
			return "", false
		}
		text := resolveText(n.Text, blobs)
		if n.RequiresAck {
			return fmt.Sprintf("[cccc] system %s [ack:%s]: %s", n.NotifyKind, ev.ID, text), true
		}
		return fmt.Sprintf("[cccc] system %s: %s", n.NotifyKind, text), true
	}
	return "", false
}

func resolveText(text string, blobs BlobResolver) string {
	if blobs == nil {
		return text
	}
	resolved, err := blobs.Resolve(text)
	if err != nil {
		return text
	}
	return resolved
}

// BuildPreamble renders the start-time catch-up injected into a freshly
// started actor: the last unread messages addressed to it, bounded by
// tailKeep, plus its open attention items.
func BuildPreamble(actorID string, unread []*models.Event, attention []inbox.AttentionItem, tailKeep int, blobs BlobResolver) string {
	if len(unread) == 0 && len(attention) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[cccc] while you were away: %d unread message(s)", len(unread))
	if len(attention) > 0 {
		fmt.Fprintf(&b, ", %d open attention item(s)", len(attention))
	}
	b.WriteString("\n")

	if tailKeep > 0 && len(unread) > tailKeep {
		fmt.Fprintf(&b, "[cccc] showing the last %d of %d:\n", tailKeep, len(unread))
		unread = unread[len(unread)-tailKeep:]
	}
	for _, ev := range unread {
		if line, ok := FormatEvent(ev, blobs); ok {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	for _, it := range attention {
		fmt.Fprintf(&b, "[cccc] awaiting your ack: %s from %s (since %s)\n",
			it.EventID, it.By, it.Since.Format("15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}
