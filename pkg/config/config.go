// Package config resolves per-group settings by merging group.yaml
// overrides onto built-in defaults, and loads/saves group metadata.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/cccc-dev/cccc/pkg/models"
)

// Settings is the fully-resolved per-group configuration. Unlike
// models.GroupSettings (sparse overrides), every field here is populated.
type Settings struct {
	Delivery   DeliverySettings
	Automation AutomationSettings
	Compaction CompactionSettings
}

// DeliverySettings tunes the injection path.
type DeliverySettings struct {
	MinInterval   time.Duration
	QueueCapacity int
	PreambleTail  int
}

// AutomationSettings tunes the automation loop.
type AutomationSettings struct {
	NudgeAfter                   time.Duration
	ActorIdleTimeout             time.Duration
	SilenceTimeout               time.Duration
	SelfCheckEveryHandoffs       int
	SystemRefreshEverySelfChecks int
	HelpNudgeMinMessages         int
	KeepaliveMaxPerActor         int
	KeepaliveDelay               time.Duration
}

// CompactionSettings tunes snapshot/compaction eligibility.
type CompactionSettings struct {
	MaxActiveBytes int64
	MinInterval    time.Duration
	TailKeep       int
}

// Resolve merges sparse group overrides onto the built-in defaults.
// Non-zero override values win; everything else keeps its default.
func Resolve(overrides *models.GroupSettings) (Settings, error) {
	raw := defaultRaw()
	if overrides != nil {
		merged := *overrides
		if err := mergo.Merge(&raw, sparseToRaw(&merged), mergo.WithOverride); err != nil {
			return Settings{}, fmt.Errorf("merge group settings: %w", err)
		}
	}
	return rawToSettings(raw), nil
}

// rawSettings is the flat merge target. mergo treats zero values as unset,
// which matches the "zero means default" contract of models.GroupSettings.
type rawSettings struct {
	DeliveryMinIntervalSeconds int
	DeliveryQueueCapacity      int
	DeliveryPreambleTail       int

	NudgeAfterSeconds            int
	ActorIdleTimeoutSeconds      int
	SilenceTimeoutSeconds        int
	SelfCheckEveryHandoffs       int
	SystemRefreshEverySelfChecks int
	HelpNudgeMinMessages         int
	KeepaliveMaxPerActor         int
	KeepaliveDelaySeconds        int

	CompactionMaxActiveBytes     int64
	CompactionMinIntervalSeconds int
	CompactionTailKeep           int
}

func sparseToRaw(s *models.GroupSettings) rawSettings {
	var r rawSettings
	if d := s.Delivery; d != nil {
		r.DeliveryMinIntervalSeconds = d.MinIntervalSeconds
		r.DeliveryQueueCapacity = d.QueueCapacity
		r.DeliveryPreambleTail = d.PreambleTail
	}
	if a := s.Automation; a != nil {
		r.NudgeAfterSeconds = a.NudgeAfterSeconds
		r.ActorIdleTimeoutSeconds = a.ActorIdleTimeoutSeconds
		r.SilenceTimeoutSeconds = a.SilenceTimeoutSeconds
		r.SelfCheckEveryHandoffs = a.SelfCheckEveryHandoffs
		r.SystemRefreshEverySelfChecks = a.SystemRefreshEverySelfCheck
		r.HelpNudgeMinMessages = a.HelpNudgeMinMessages
		r.KeepaliveMaxPerActor = a.KeepaliveMaxPerActor
		r.KeepaliveDelaySeconds = a.KeepaliveDelaySeconds
	}
	if c := s.Compaction; c != nil {
		r.CompactionMaxActiveBytes = c.MaxActiveBytes
		r.CompactionMinIntervalSeconds = c.MinIntervalSeconds
		r.CompactionTailKeep = c.TailKeep
	}
	return r
}

func rawToSettings(r rawSettings) Settings {
	return Settings{
		Delivery: DeliverySettings{
			MinInterval:   time.Duration(r.DeliveryMinIntervalSeconds) * time.Second,
			QueueCapacity: r.DeliveryQueueCapacity,
			PreambleTail:  r.DeliveryPreambleTail,
		},
		Automation: AutomationSettings{
			NudgeAfter:                   time.Duration(r.NudgeAfterSeconds) * time.Second,
			ActorIdleTimeout:             time.Duration(r.ActorIdleTimeoutSeconds) * time.Second,
			SilenceTimeout:               time.Duration(r.SilenceTimeoutSeconds) * time.Second,
			SelfCheckEveryHandoffs:       r.SelfCheckEveryHandoffs,
			SystemRefreshEverySelfChecks: r.SystemRefreshEverySelfChecks,
			HelpNudgeMinMessages:         r.HelpNudgeMinMessages,
			KeepaliveMaxPerActor:         r.KeepaliveMaxPerActor,
			KeepaliveDelay:               time.Duration(r.KeepaliveDelaySeconds) * time.Second,
		},
		Compaction: CompactionSettings{
			MaxActiveBytes: r.CompactionMaxActiveBytes,
			MinInterval:    time.Duration(r.CompactionMinIntervalSeconds) * time.Second,
			TailKeep:       r.CompactionTailKeep,
		},
	}
}

// LoadGroup reads and parses a group.yaml file.
func LoadGroup(path string) (*models.Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group config: %w", err)
	}
	var g models.Group
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse group config %s: %w", path, err)
	}
	if g.State == "" {
		g.State = models.GroupActive
	}
	return &g, nil
}

// SaveGroup writes group.yaml atomically (tmp + rename).
func SaveGroup(path string, g *models.Group) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write group config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace group config: %w", err)
	}
	return nil
}
