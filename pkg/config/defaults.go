package config

import "time"

// Built-in defaults. Per-group overrides in group.yaml win field by field.
const (
	DefaultDeliveryMinIntervalSeconds = 2
	DefaultDeliveryQueueCapacity      = 32
	DefaultDeliveryPreambleTail       = 10

	DefaultNudgeAfterSeconds            = 120
	DefaultActorIdleTimeoutSeconds      = 300
	DefaultSilenceTimeoutSeconds        = 900
	DefaultSelfCheckEveryHandoffs       = 10
	DefaultSystemRefreshEverySelfChecks = 5
	DefaultHelpNudgeMinMessages         = 8
	DefaultKeepaliveMaxPerActor         = 3
	DefaultKeepaliveDelaySeconds        = 60

	DefaultCompactionMaxActiveBytes     = 50 * 1024 * 1024
	DefaultCompactionMinIntervalSeconds = 300
	DefaultCompactionTailKeep           = 2000
)

// Daemon-wide constants (not per-group).
const (
	// CompactionCheckInterval is how often compaction eligibility is evaluated.
	CompactionCheckInterval = 60 * time.Second

	// IPCRequestTimeout bounds every non-streaming IPC operation.
	IPCRequestTimeout = 60 * time.Second

	// IdempotencyWindow bounds client_id deduplication on send/reply.
	IdempotencyWindow = 5 * time.Minute

	// SubscriberBuffer is the per-subscriber event queue high-water mark.
	SubscriberBuffer = 256
)

func defaultRaw() rawSettings {
	return rawSettings{
		DeliveryMinIntervalSeconds: DefaultDeliveryMinIntervalSeconds,
		DeliveryQueueCapacity:      DefaultDeliveryQueueCapacity,
		DeliveryPreambleTail:       DefaultDeliveryPreambleTail,

		NudgeAfterSeconds:            DefaultNudgeAfterSeconds,
		ActorIdleTimeoutSeconds:      DefaultActorIdleTimeoutSeconds,
		SilenceTimeoutSeconds:        DefaultSilenceTimeoutSeconds,
		SelfCheckEveryHandoffs:       DefaultSelfCheckEveryHandoffs,
		SystemRefreshEverySelfChecks: DefaultSystemRefreshEverySelfChecks,
		HelpNudgeMinMessages:         DefaultHelpNudgeMinMessages,
		KeepaliveMaxPerActor:         DefaultKeepaliveMaxPerActor,
		KeepaliveDelaySeconds:        DefaultKeepaliveDelaySeconds,

		CompactionMaxActiveBytes:     DefaultCompactionMaxActiveBytes,
		CompactionMinIntervalSeconds: DefaultCompactionMinIntervalSeconds,
		CompactionTailKeep:           DefaultCompactionTailKeep,
	}
}
