package daemon

import (
	"log/slog"

	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/supervisor"
)

// updateGroup applies metadata and settings changes, re-resolving the
// effective settings.
func (rt *groupRuntime) updateGroup(title, topic string, settings *models.GroupSettings) error {
	rt.mu.Lock()
	if title != "" {
		rt.group.Title = title
	}
	if topic != "" {
		rt.group.Topic = topic
	}
	if settings != nil {
		rt.group.Settings = settings
		resolved, err := config.Resolve(settings)
		if err != nil {
			rt.mu.Unlock()
			return err
		}
		rt.settings = resolved
	}
	rt.mu.Unlock()

	if err := rt.saveGroup(); err != nil {
		return err
	}
	_, err := rt.appendEvent(models.Event{
		Kind:    models.KindGroupUpdate,
		GroupID: rt.groupID,
		By:      models.ByUser,
	})
	return err
}

// useScope binds a project root to the group and makes it the active scope.
// A root already registered just becomes active.
func (rt *groupRuntime) useScope(path, scopeKey, label string) (*models.Scope, error) {
	if path == "" {
		return nil, kernel.New(kernel.CodeMissingProjectRoot, "path is required")
	}

	rt.mu.Lock()
	var scope *models.Scope
	for i := range rt.group.Scopes {
		if rt.group.Scopes[i].Root == path {
			scope = &rt.group.Scopes[i]
			break
		}
	}
	if scope == nil {
		key := scopeKey
		if key == "" {
			if len(rt.group.Scopes) == 0 {
				key = "main"
			} else {
				key = "path:" + path
			}
		}
		if rt.group.ScopeByKey(key) != nil {
			rt.mu.Unlock()
			return nil, kernel.Newf(kernel.CodeInvalidRequest, "scope key %q already in use", key)
		}
		rt.group.Scopes = append(rt.group.Scopes, models.Scope{
			ScopeKey: key,
			Root:     path,
			Label:    label,
		})
		scope = &rt.group.Scopes[len(rt.group.Scopes)-1]
	}
	rt.group.ActiveScopeKey = scope.ScopeKey
	out := *scope
	rt.mu.Unlock()

	if err := rt.saveGroup(); err != nil {
		return nil, err
	}
	if _, err := rt.appendEvent(models.Event{
		Kind:    models.KindGroupUpdate,
		GroupID: rt.groupID,
		By:      models.ByUser,
		Data:    models.MustEncodeData(map[string]string{"active_scope_key": out.ScopeKey}),
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// addActor registers a new actor. Added actors start enabled; disabling is
// an update.
func (rt *groupRuntime) addActor(by string, actor *models.Actor) error {
	g := rt.snapshotGroup()
	if err := supervisor.CheckPermission("actor_add", by, g, actor.ActorID); err != nil {
		return err
	}
	if actor.ActorID == "" {
		return kernel.New(kernel.CodeMissingActorID, "actor_id is required")
	}
	if len(actor.Command) == 0 {
		return kernel.New(kernel.CodeInvalidRequest, "command is required")
	}
	if actor.Role == "" {
		actor.Role = models.RolePeer
	}
	if actor.Runner == "" {
		actor.Runner = models.RunnerPTY
	}
	actor.Enabled = true

	rt.mu.Lock()
	if rt.group.ActorByID(actor.ActorID) != nil {
		rt.mu.Unlock()
		return kernel.Newf(kernel.CodeInvalidRequest, "actor %s already exists", actor.ActorID)
	}
	if actor.Role == models.RoleForeman && rt.group.Foreman() != nil {
		rt.mu.Unlock()
		return kernel.New(kernel.CodeInvalidRequest, "group already has a foreman")
	}
	rt.group.Actors = append(rt.group.Actors, actor)
	rt.mu.Unlock()

	if err := rt.saveGroup(); err != nil {
		return err
	}
	_, err := rt.appendEvent(models.Event{
		Kind:    models.KindActorAdd,
		GroupID: rt.groupID,
		By:      by,
		Data: models.MustEncodeData(map[string]string{
			"actor_id": actor.ActorID,
			"role":     actor.Role,
			"runner":   actor.Runner,
		}),
	})
	return err
}

// ActorPatch is a sparse actor update; nil fields keep their value.
type ActorPatch struct {
	Title           *string           `json:"title,omitempty"`
	Role            *string           `json:"role,omitempty"`
	Runner          *string           `json:"runner,omitempty"`
	Runtime         *string           `json:"runtime,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	DefaultScopeKey *string           `json:"default_scope_key,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
}

// updateActor applies a patch. A role change to foreman demotes the current
// foreman; a command/env/runner change on a running actor restarts it with
// cause config_change.
func (rt *groupRuntime) updateActor(by, actorID string, patch ActorPatch) (*models.Actor, error) {
	g := rt.snapshotGroup()
	if err := supervisor.CheckPermission("actor_update", by, g, actorID); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	actor := rt.group.ActorByID(actorID)
	if actor == nil {
		rt.mu.Unlock()
		return nil, kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}

	var promoted bool
	if patch.Role != nil && *patch.Role != actor.Role {
		switch *patch.Role {
		case models.RoleForeman:
			if cur := rt.group.Foreman(); cur != nil {
				cur.Role = models.RolePeer
			}
			promoted = true
		case models.RolePeer:
		default:
			rt.mu.Unlock()
			return nil, kernel.Newf(kernel.CodeInvalidRequest, "unknown role %q", *patch.Role)
		}
		actor.Role = *patch.Role
	}
	if patch.Title != nil {
		actor.Title = *patch.Title
	}
	restart := false
	if patch.Runner != nil && *patch.Runner != actor.Runner {
		actor.Runner = *patch.Runner
		restart = true
	}
	if patch.Runtime != nil {
		actor.Runtime = *patch.Runtime
	}
	if patch.Command != nil {
		actor.Command = patch.Command
		restart = true
	}
	if patch.Env != nil {
		actor.Env = patch.Env
		restart = true
	}
	if patch.DefaultScopeKey != nil {
		actor.DefaultScopeKey = *patch.DefaultScopeKey
	}
	if patch.Enabled != nil {
		actor.Enabled = *patch.Enabled
	}
	out := *actor
	rt.mu.Unlock()

	if err := rt.saveGroup(); err != nil {
		return nil, err
	}
	if promoted {
		if _, err := rt.appendEvent(models.Event{
			Kind:    models.KindActorUpdate,
			GroupID: rt.groupID,
			By:      by,
			Data: models.MustEncodeData(models.RoleChangeData{
				ActorID: actorID,
				Role:    models.RoleForeman,
				Reason:  "user",
			}),
		}); err != nil {
			return nil, err
		}
	} else {
		if _, err := rt.appendEvent(models.Event{
			Kind:    models.KindActorUpdate,
			GroupID: rt.groupID,
			By:      by,
			Data:    models.MustEncodeData(map[string]string{"actor_id": actorID}),
		}); err != nil {
			return nil, err
		}
	}

	if restart && rt.sup.Running(actorID) {
		if err := rt.sup.Restart(models.BySystem, rt.snapshotGroup(), actorID,
			models.CauseConfigChange); err != nil {
			return nil, err
		}
	}
	if patch.Enabled != nil && !*patch.Enabled && rt.sup.Running(actorID) {
		if err := rt.sup.Stop(models.BySystem, rt.snapshotGroup(), actorID,
			models.CauseConfigChange); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// promoteForemanIfNeeded applies the supervisor's foreman election: when no
// enabled foreman exists, the first enabled actor takes the role. The role
// change happens under the runtime lock; the event and save follow.
func (rt *groupRuntime) promoteForemanIfNeeded() string {
	rt.mu.Lock()
	id := supervisor.ElectForeman(rt.group)
	if id == "" {
		rt.mu.Unlock()
		return ""
	}
	rt.group.ActorByID(id).Role = models.RoleForeman
	rt.mu.Unlock()

	if err := rt.saveGroup(); err != nil {
		slog.Warn("Group save after foreman promotion failed",
			"group_id", rt.groupID, "error", err)
	}
	if _, err := rt.appendEvent(models.Event{
		Kind:    models.KindActorUpdate,
		GroupID: rt.groupID,
		By:      models.BySystem,
		Data: models.MustEncodeData(models.RoleChangeData{
			ActorID: id, Role: models.RoleForeman, Reason: "auto_promoted",
		}),
	}); err != nil {
		slog.Warn("Foreman promotion event append failed",
			"group_id", rt.groupID, "error", err)
	}
	slog.Info("Promoted foreman", "group_id", rt.groupID, "actor_id", id)
	return id
}

// removeActor stops the actor if needed and deletes it, its secrets, and
// its derived inbox state (via the actor.remove event).
func (rt *groupRuntime) removeActor(by, actorID string) error {
	g := rt.snapshotGroup()
	if err := supervisor.CheckPermission("actor_remove", by, g, actorID); err != nil {
		return err
	}

	rt.mu.Lock()
	actor := rt.group.ActorByID(actorID)
	if actor == nil {
		rt.mu.Unlock()
		return kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}
	rt.mu.Unlock()

	if rt.sup.Running(actorID) {
		if err := rt.sup.Stop(models.BySystem, g, actorID, models.CauseUser); err != nil {
			return err
		}
	}

	rt.mu.Lock()
	kept := rt.group.Actors[:0]
	for _, a := range rt.group.Actors {
		if a.ActorID != actorID {
			kept = append(kept, a)
		}
	}
	rt.group.Actors = kept
	rt.mu.Unlock()

	rt.secrets.Remove(actorID)
	if err := rt.saveGroup(); err != nil {
		return err
	}
	_, err := rt.appendEvent(models.Event{
		Kind:    models.KindActorRemove,
		GroupID: rt.groupID,
		By:      by,
		Data:    models.MustEncodeData(map[string]string{"actor_id": actorID}),
	})
	return err
}

// updatePrivateEnv mutates the secret store and mirrors the key names
// (never the values) into the actor record.
func (rt *groupRuntime) updatePrivateEnv(by, actorID string, set map[string]string, unset []string, clear bool) ([]string, error) {
	g := rt.snapshotGroup()
	if err := supervisor.CheckPermission("actor_update", by, g, actorID); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	actor := rt.group.ActorByID(actorID)
	rt.mu.Unlock()
	if actor == nil {
		return nil, kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}

	keys, err := rt.secrets.Update(actorID, set, unset, clear)
	if err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "update private env: %v", err)
	}
	rt.mu.Lock()
	actor.EnvPrivateKeys = keys
	rt.mu.Unlock()
	if err := rt.saveGroup(); err != nil {
		return nil, err
	}
	return keys, nil
}
