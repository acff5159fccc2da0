package models

// Actor roles. At most one foreman per group; the first enabled actor is
// auto-promoted when no foreman exists.
const (
	RoleForeman = "foreman"
	RolePeer    = "peer"
)

// Runner kinds.
const (
	RunnerPTY      = "pty"
	RunnerHeadless = "headless"
)

// Actor lifecycle states.
const (
	ActorStopped  = "stopped"
	ActorStarting = "starting"
	ActorRunning  = "running"
	ActorExiting  = "exiting"
)

// Actor is one agent session record within a group. Public env is stored
// here; env_private values live in the secret store and only the key names
// appear in config.
type Actor struct {
	ActorID         string            `json:"actor_id" yaml:"actor_id"`
	Title           string            `json:"title" yaml:"title"`
	Role            string            `json:"role" yaml:"role"`
	Runner          string            `json:"runner" yaml:"runner"`
	Runtime         string            `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Command         []string          `json:"command" yaml:"command"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvPrivateKeys  []string          `json:"env_private_keys,omitempty" yaml:"env_private_keys,omitempty"`
	DefaultScopeKey string            `json:"default_scope_key,omitempty" yaml:"default_scope_key,omitempty"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
}

// ActorView is the read-only snapshot of an actor the recipient grammar and
// delivery filter operate on.
type ActorView struct {
	ID      string
	Title   string
	Role    string
	Enabled bool
	Running bool
}

// View returns the actor's view snapshot; running state is supplied by the
// supervisor.
func (a *Actor) View(running bool) ActorView {
	return ActorView{
		ID:      a.ActorID,
		Title:   a.Title,
		Role:    a.Role,
		Enabled: a.Enabled,
		Running: running,
	}
}
