// Package delivery turns submitted chat into durable ledger events and
// best-effort terminal injections: validation, client_id idempotency,
// recipient normalization, and the per-actor injection queues.
package delivery

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

const idempotencyCacheSize = 4096

// PipelineOptions wires a pipeline to its group runtime.
type PipelineOptions struct {
	GroupID string

	// Append writes through the group runtime: ledger append, inbox
	// observation, bus publish, and injection fan-out in one ordered step.
	Append func(models.Event) (*models.Event, error)

	// Lookup fetches an event by id for reply validation.
	Lookup func(id string) (*models.Event, error)

	// Actors snapshots the registry for recipient normalization.
	Actors func() []models.ActorView

	// ScopeKey resolves the attributed scope for an optional path argument;
	// empty path means the group's active scope.
	ScopeKey func(path string) (string, error)

	IdempotencyWindow time.Duration
}

// SendArgs is one send/reply submission.
type SendArgs struct {
	By          string
	Text        string
	Format      string
	To          []string
	ReplyTo     string
	QuoteText   string
	Priority    string
	Path        string
	Attachments []models.Attachment
	ClientID    string

	// Relay provenance, set by the cross-group path only.
	SrcGroupID string
	SrcEventID string

	// Outbound-send record fields for the source side of a relay.
	DstGroupID string
	DstTo      []string
}

// SendResult is the submission outcome. Duplicate reports an idempotency
// hit: Event then references the original append.
type SendResult struct {
	Event     *models.Event
	Duplicate bool
}

// Pipeline is one group's submission path.
type Pipeline struct {
	opts PipelineOptions
	idem *expirable.LRU[string, *models.Event]
}

// NewPipeline returns a pipeline for one group.
func NewPipeline(opts PipelineOptions) *Pipeline {
	window := opts.IdempotencyWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Pipeline{
		opts: opts,
		idem: expirable.NewLRU[string, *models.Event](idempotencyCacheSize, nil, window),
	}
}

// Send validates, normalizes, and appends one chat.message. The append is
// the only durable effect; injection happens downstream of it.
func (p *Pipeline) Send(args SendArgs) (*SendResult, error) {
	if strings.TrimSpace(args.Text) == "" && len(args.Attachments) == 0 {
		return nil, kernel.New(kernel.CodeInvalidRequest, "message needs text or attachments")
	}
	if args.By == "" {
		return nil, kernel.New(kernel.CodeMissingActorID, "message sender (by) is required")
	}
	switch args.Priority {
	case "", models.PriorityNormal, models.PriorityAttention:
	default:
		return nil, kernel.Newf(kernel.CodeInvalidRequest, "unknown priority %q", args.Priority)
	}
	switch args.Format {
	case "", "plain", "markdown":
	default:
		return nil, kernel.Newf(kernel.CodeInvalidRequest, "unknown format %q", args.Format)
	}
	if (args.SrcGroupID == "") != (args.SrcEventID == "") {
		return nil, kernel.New(kernel.CodeInvalidRequest,
			"relay provenance requires both src_group_id and src_event_id or neither")
	}

	if args.ClientID != "" {
		if orig, ok := p.idem.Get(p.idemKey(args.By, args.ClientID)); ok {
			return &SendResult{Event: orig, Duplicate: true}, nil
		}
	}

	to, err := recipient.Normalize(args.To, p.opts.Actors())
	if err != nil {
		return nil, err
	}

	scopeKey := ""
	if p.opts.ScopeKey != nil {
		scopeKey, err = p.opts.ScopeKey(args.Path)
		if err != nil {
			return nil, err
		}
	}

	priority := args.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	ev, err := p.opts.Append(models.Event{
		Kind:     models.KindChatMessage,
		GroupID:  p.opts.GroupID,
		ScopeKey: scopeKey,
		By:       args.By,
		Data: models.MustEncodeData(models.ChatMessageData{
			Text:        args.Text,
			Format:      args.Format,
			To:          to,
			ReplyTo:     args.ReplyTo,
			QuoteText:   args.QuoteText,
			Priority:    priority,
			SrcGroupID:  args.SrcGroupID,
			SrcEventID:  args.SrcEventID,
			DstGroupID:  args.DstGroupID,
			DstTo:       args.DstTo,
			Attachments: args.Attachments,
			ClientID:    args.ClientID,
		}),
	})
	if err != nil {
		return nil, err
	}
	if args.ClientID != "" {
		p.idem.Add(p.idemKey(args.By, args.ClientID), ev)
	}
	return &SendResult{Event: ev}, nil
}

// Reply is Send anchored to an existing event. With an empty to-list the
// reply goes back to the original author.
func (p *Pipeline) Reply(args SendArgs) (*SendResult, error) {
	if args.ReplyTo == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "reply requires reply_to")
	}
	orig, err := p.opts.Lookup(args.ReplyTo)
	if err != nil {
		return nil, err
	}
	if len(args.To) == 0 && orig.By != args.By {
		args.To = []string{orig.By}
	}
	if args.QuoteText == "" {
		if msg, err := orig.ChatMessage(); err == nil {
			args.QuoteText = truncate(msg.Text, 120)
		}
	}
	return p.Send(args)
}

// Notify appends a system.notify event through the same ordered path.
func (p *Pipeline) Notify(data models.NotifyData) (*models.Event, error) {
	return p.opts.Append(models.Event{
		Kind:    models.KindSystemNotify,
		GroupID: p.opts.GroupID,
		By:      models.BySystem,
		Data:    models.MustEncodeData(data),
	})
}

func (p *Pipeline) idemKey(by, clientID string) string {
	return by + "\x00" + clientID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
