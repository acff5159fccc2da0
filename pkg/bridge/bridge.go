// Package bridge defines the minimal contract the kernel exposes to IM
// bridge adapters: a named outbound publisher fed from the event bus, and a
// per-group subscription store kept outside the ledger.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cccc-dev/cccc/pkg/bus"
	"github.com/cccc-dev/cccc/pkg/models"
)

// Bridge is one IM adapter as the kernel sees it. Inbound traffic enters
// through the ordinary send/reply operations with by="user"; only the
// outbound leg is the kernel's job.
type Bridge interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error

	// Publish pushes one event to one subscribed adapter chat. Best-effort:
	// an error is logged, never propagated to the submitter.
	Publish(chatID string, ev *models.Event) error
}

// Subscription is one adapter chat's interest in a group.
type Subscription struct {
	Bridge    string    `json:"bridge"`
	ChatID    string    `json:"chat_id"`
	Kinds     []string  `json:"kinds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionStore persists a group's bridge subscriptions in
// state/bridges.json. Subscription changes are not events.
type SubscriptionStore struct {
	path string

	mu   sync.Mutex
	subs []Subscription
}

// OpenSubscriptions loads the store; a missing file means no subscribers.
func OpenSubscriptions(path string) (*SubscriptionStore, error) {
	s := &SubscriptionStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read bridge subscriptions: %w", err)
	}
	if err := json.Unmarshal(data, &s.subs); err != nil {
		return nil, fmt.Errorf("parse bridge subscriptions %s: %w", path, err)
	}
	return s, nil
}

// List returns a copy of all subscriptions.
func (s *SubscriptionStore) List() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs...)
}

// Subscribe registers a chat; re-subscribing updates the kinds filter.
func (s *SubscriptionStore) Subscribe(sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].Bridge == sub.Bridge && s.subs[i].ChatID == sub.ChatID {
			s.subs[i].Kinds = sub.Kinds
			return s.saveLocked()
		}
	}
	sub.CreatedAt = time.Now().UTC()
	s.subs = append(s.subs, sub)
	return s.saveLocked()
}

// Match returns one bridge's subscriptions interested in a kind. An empty
// kinds list subscribes to every forwarded kind.
func (s *SubscriptionStore) Match(bridgeName, kind string) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Bridge != bridgeName {
			continue
		}
		if len(sub.Kinds) == 0 {
			out = append(out, sub)
			continue
		}
		for _, k := range sub.Kinds {
			if k == kind {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

// Unsubscribe removes a chat. Unknown chats are a no-op.
func (s *SubscriptionStore) Unsubscribe(bridgeName, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.Bridge != bridgeName || sub.ChatID != chatID {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	return s.saveLocked()
}

func (s *SubscriptionStore) saveLocked() error {
	data, err := json.MarshalIndent(s.subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bridge subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bridge subscriptions: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Fanout pumps matching bus events into registered bridges, one delivery
// per subscribed chat. One goroutine per bridge; a slow adapter only loses
// its own subscription.
type Fanout struct {
	groupID string
	bus     *bus.Bus
	subs    *SubscriptionStore

	mu      sync.Mutex
	bridges map[string]Bridge
	cancels map[string]context.CancelFunc
}

// NewFanout returns a fanout for one group, filtered through its
// subscription store.
func NewFanout(groupID string, b *bus.Bus, subs *SubscriptionStore) *Fanout {
	return &Fanout{
		groupID: groupID,
		bus:     b,
		subs:    subs,
		bridges: make(map[string]Bridge),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register starts a bridge and begins forwarding the group's chat and
// notification events to its subscribed chats.
func (f *Fanout) Register(ctx context.Context, br Bridge) error {
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("start bridge %s: %w", br.Name(), err)
	}
	ctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.bridges[br.Name()] = br
	f.cancels[br.Name()] = cancel
	f.mu.Unlock()

	sub := f.bus.Subscribe("bridge:"+br.Name(), bus.Filter{
		GroupID: f.groupID,
		Kinds:   []string{models.KindChatMessage, models.KindSystemNotify},
	})
	go func() {
		defer f.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				for _, chat := range f.subs.Match(br.Name(), ev.Kind) {
					if err := br.Publish(chat.ChatID, ev); err != nil {
						slog.Warn("Bridge publish failed",
							"bridge", br.Name(), "group_id", f.groupID,
							"chat_id", chat.ChatID, "event_id", ev.ID, "error", err)
					}
				}
			}
		}
	}()
	return nil
}

// Unregister stops forwarding to a bridge and stops the adapter.
func (f *Fanout) Unregister(name string) {
	f.mu.Lock()
	br := f.bridges[name]
	cancel := f.cancels[name]
	delete(f.bridges, name)
	delete(f.cancels, name)
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if br != nil {
		if err := br.Stop(); err != nil {
			slog.Warn("Bridge stop failed", "bridge", name, "error", err)
		}
	}
}

// Close unregisters every bridge.
func (f *Fanout) Close() {
	f.mu.Lock()
	names := make([]string, 0, len(f.bridges))
	for name := range f.bridges {
		names = append(names, name)
	}
	f.mu.Unlock()
	for _, name := range names {
		f.Unregister(name)
	}
}
