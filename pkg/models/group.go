package models

import "time"

// Group lifecycle states.
const (
	GroupActive = "active"
	GroupIdle   = "idle"
	GroupPaused = "paused"
)

// Scope associates a filesystem project root with a group.
type Scope struct {
	ScopeKey  string `json:"scope_key" yaml:"scope_key"`
	Root      string `json:"root" yaml:"root"`
	GitRemote string `json:"git_remote,omitempty" yaml:"git_remote,omitempty"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Group is one working group's metadata, persisted as group.yaml.
// Running is the desired run flag and is authoritative across daemon
// restarts: a group marked running is brought back up on startup.
type Group struct {
	GroupID        string         `json:"group_id" yaml:"group_id"`
	Title          string         `json:"title" yaml:"title"`
	Topic          string         `json:"topic,omitempty" yaml:"topic,omitempty"`
	State          string         `json:"state" yaml:"state"`
	Running        bool           `json:"running" yaml:"running"`
	Scopes         []Scope        `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	ActiveScopeKey string         `json:"active_scope_key,omitempty" yaml:"active_scope_key,omitempty"`
	Actors         []*Actor       `json:"actors,omitempty" yaml:"actors,omitempty"`
	Settings       *GroupSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// GroupSettings carries per-group overrides of the built-in defaults.
// Zero values mean "use the default" (resolved by config.Resolve).
type GroupSettings struct {
	Delivery   *DeliverySettings   `json:"delivery,omitempty" yaml:"delivery,omitempty"`
	Automation *AutomationSettings `json:"automation,omitempty" yaml:"automation,omitempty"`
	Compaction *CompactionSettings `json:"compaction,omitempty" yaml:"compaction,omitempty"`
}

// DeliverySettings tunes the PTY injection path.
type DeliverySettings struct {
	MinIntervalSeconds int `json:"min_interval_seconds,omitempty" yaml:"min_interval_seconds,omitempty"`
	QueueCapacity      int `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`
	PreambleTail       int `json:"preamble_tail,omitempty" yaml:"preamble_tail,omitempty"`
}

// AutomationSettings tunes the automation loop policies.
type AutomationSettings struct {
	NudgeAfterSeconds           int `json:"nudge_after_seconds,omitempty" yaml:"nudge_after_seconds,omitempty"`
	ActorIdleTimeoutSeconds     int `json:"actor_idle_timeout_seconds,omitempty" yaml:"actor_idle_timeout_seconds,omitempty"`
	SilenceTimeoutSeconds       int `json:"silence_timeout_seconds,omitempty" yaml:"silence_timeout_seconds,omitempty"`
	SelfCheckEveryHandoffs      int `json:"self_check_every_handoffs,omitempty" yaml:"self_check_every_handoffs,omitempty"`
	SystemRefreshEverySelfCheck int `json:"system_refresh_every_self_checks,omitempty" yaml:"system_refresh_every_self_checks,omitempty"`
	HelpNudgeMinMessages        int `json:"help_nudge_min_messages,omitempty" yaml:"help_nudge_min_messages,omitempty"`
	KeepaliveMaxPerActor        int `json:"keepalive_max_per_actor,omitempty" yaml:"keepalive_max_per_actor,omitempty"`
	KeepaliveDelaySeconds       int `json:"keepalive_delay_seconds,omitempty" yaml:"keepalive_delay_seconds,omitempty"`
}

// CompactionSettings tunes snapshot/compaction eligibility.
type CompactionSettings struct {
	MaxActiveBytes     int64 `json:"max_active_bytes,omitempty" yaml:"max_active_bytes,omitempty"`
	MinIntervalSeconds int   `json:"min_interval_seconds,omitempty" yaml:"min_interval_seconds,omitempty"`
	TailKeep           int   `json:"tail_keep,omitempty" yaml:"tail_keep,omitempty"`
}

// ScopeByKey returns the scope with the given key, or nil.
func (g *Group) ScopeByKey(key string) *Scope {
	for i := range g.Scopes {
		if g.Scopes[i].ScopeKey == key {
			return &g.Scopes[i]
		}
	}
	return nil
}

// ActiveScope returns the active scope, or nil when none is set.
func (g *Group) ActiveScope() *Scope {
	if g.ActiveScopeKey == "" {
		return nil
	}
	return g.ScopeByKey(g.ActiveScopeKey)
}

// ActorByID returns the actor with the given id, or nil.
func (g *Group) ActorByID(id string) *Actor {
	for _, a := range g.Actors {
		if a.ActorID == id {
			return a
		}
	}
	return nil
}

// Foreman returns the group's foreman actor, or nil.
func (g *Group) Foreman() *Actor {
	for _, a := range g.Actors {
		if a.Role == RoleForeman {
			return a
		}
	}
	return nil
}
