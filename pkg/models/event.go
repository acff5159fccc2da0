// Package models defines the event envelope, per-kind payloads, and the
// group/actor records shared by all kernel subsystems.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion is the fixed envelope schema version.
const EnvelopeVersion = 1

// Event kinds. The kind namespace is dotted; unknown kinds pass through the
// ledger and bus untouched for forward compatibility.
const (
	KindChatMessage = "chat.message"
	KindChatAck     = "chat.ack"
	KindChatRead    = "chat.read"

	KindSystemNotify    = "system.notify"
	KindSystemNotifyAck = "system.notify_ack"

	KindGroupCreate = "group.create"
	KindGroupUpdate = "group.update"
	KindGroupDelete = "group.delete"
	KindGroupState  = "group.state"

	KindActorAdd     = "actor.add"
	KindActorUpdate  = "actor.update"
	KindActorRemove  = "actor.remove"
	KindActorStart   = "actor.start"
	KindActorStop    = "actor.stop"
	KindActorRestart = "actor.restart"
	KindActorExit    = "actor.exit"
)

// Principals with fixed meaning in the `by` field.
const (
	ByUser   = "user"
	BySystem = "system"
)

// Message priority values.
const (
	PriorityNormal    = "normal"
	PriorityAttention = "attention"
)

// Event is one ledger row. Immutable once appended; id, ts and seq are
// assigned by the ledger at append time.
type Event struct {
	V        int             `json:"v"`
	ID       string          `json:"id"`
	TS       time.Time       `json:"ts"`
	Seq      int64           `json:"seq,omitempty"`
	Kind     string          `json:"kind"`
	GroupID  string          `json:"group_id"`
	ScopeKey string          `json:"scope_key"`
	By       string          `json:"by"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Attachment references a group-scoped blob carried by a chat message.
type Attachment struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatMessageData is the payload of a chat.message event.
type ChatMessageData struct {
	Text      string   `json:"text"`
	Format    string   `json:"format,omitempty"` // "plain" | "markdown"
	To        []string `json:"to,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"`
	QuoteText string   `json:"quote_text,omitempty"`
	Priority  string   `json:"priority,omitempty"` // "normal" | "attention"

	// Relay provenance: both set or neither.
	SrcGroupID string `json:"src_group_id,omitempty"`
	SrcEventID string `json:"src_event_id,omitempty"`

	// Outbound-send record for cross-group sends.
	DstGroupID string   `json:"dst_group_id,omitempty"`
	DstTo      []string `json:"dst_to,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// ClientID is a client-generated idempotency key, deduplicated within a
	// bounded window per (group, by, client_id).
	ClientID string `json:"client_id,omitempty"`
}

// ChatAckData is the payload of a chat.ack event clearing one attention item.
type ChatAckData struct {
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

// ChatReadData is the payload of a chat.read event advancing a watermark.
type ChatReadData struct {
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

// Notification kinds used in NotifyData.NotifyKind.
const (
	NotifyNudge           = "nudge"
	NotifyActorIdle       = "actor_idle"
	NotifySilenceCheck    = "silence_check"
	NotifySelfCheck       = "self_check"
	NotifySystemRefresh   = "system_refresh"
	NotifyHelpNudge       = "help_nudge"
	NotifyDeliveryDropped = "delivery_dropped"
	NotifyInfo            = "info"
)

// NotifyData is the payload of system.notify events emitted by the
// automation loop and internal recoveries.
type NotifyData struct {
	NotifyKind  string   `json:"kind"`
	Text        string   `json:"text"`
	To          []string `json:"to,omitempty"`
	RequiresAck bool     `json:"requires_ack,omitempty"`
}

// NotifyAckData is the payload of system.notify_ack.
type NotifyAckData struct {
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

// Lifecycle cause codes.
const (
	CauseUser         = "user"
	CauseCrash        = "crash"
	CauseConfigChange = "config_change"
	CauseGroupStop    = "group_stop"
)

// LifecycleData is the payload of actor.start/stop/restart/exit events.
type LifecycleData struct {
	ActorID  string `json:"actor_id"`
	Cause    string `json:"cause,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// RoleChangeData is the payload of actor.update events recording a role
// transition (foreman election included).
type RoleChangeData struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Reason  string `json:"reason,omitempty"`
}

// GroupStateData is the payload of group.state events.
type GroupStateData struct {
	State string `json:"state"`
}

// EncodeData marshals a payload into the envelope's Data field.
func EncodeData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return b, nil
}

// MustEncodeData is EncodeData for payloads that cannot fail to marshal.
func MustEncodeData(v any) json.RawMessage {
	b, err := EncodeData(v)
	if err != nil {
		panic(err)
	}
	return b
}

// ChatMessage decodes the payload of a chat.message event.
func (e *Event) ChatMessage() (*ChatMessageData, error) {
	return decodeAs[ChatMessageData](e, KindChatMessage)
}

// ChatAck decodes the payload of a chat.ack event.
func (e *Event) ChatAck() (*ChatAckData, error) {
	return decodeAs[ChatAckData](e, KindChatAck)
}

// ChatRead decodes the payload of a chat.read event.
func (e *Event) ChatRead() (*ChatReadData, error) {
	return decodeAs[ChatReadData](e, KindChatRead)
}

// Notify decodes the payload of a system.notify event.
func (e *Event) Notify() (*NotifyData, error) {
	return decodeAs[NotifyData](e, KindSystemNotify)
}

// NotifyAck decodes the payload of a system.notify_ack event.
func (e *Event) NotifyAck() (*NotifyAckData, error) {
	return decodeAs[NotifyAckData](e, KindSystemNotifyAck)
}

// Lifecycle decodes the payload of an actor lifecycle event.
func (e *Event) Lifecycle() (*LifecycleData, error) {
	switch e.Kind {
	case KindActorStart, KindActorStop, KindActorRestart, KindActorExit:
	default:
		return nil, fmt.Errorf("event %s is %s, not a lifecycle event", e.ID, e.Kind)
	}
	var d LifecycleData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return &d, nil
}

func decodeAs[T any](e *Event, kind string) (*T, error) {
	if e.Kind != kind {
		return nil, fmt.Errorf("event %s is %s, not %s", e.ID, e.Kind, kind)
	}
	var d T
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return &d, nil
}
