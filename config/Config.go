package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	NodeId      string
	HttpPort    int
	StorageType StorageType
	RedisConfig RedisStorageConfig
	SqlitePath  string

	// NodeGroup this node serves, with its worker pool sizing.
	NodeGroup    string
	WorkerCount  int
	BatchSize    int
	PollInterval time.Duration

	WebhookSecret string
	AuditFile     string

	Wakeup  WakeupSettings
	Archive ArchiveSettings
	Webhook WebhookSettings
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	Password  string
	PoolSize  int
}

type WakeupSettings struct {
	Enabled  bool
	Interval time.Duration
}

type ArchiveSettings struct {
	Enabled         bool
	BatchSize       int
	Interval        time.Duration
	MaxIdleInterval time.Duration
}

type WebhookSettings struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
	PoolSize  int
	Timeout   time.Duration
}

func Default() Config {
	return Config{
		HttpPort:     8080,
		StorageType:  STORAGE_TYPE_REDIS,
		NodeGroup:    "default",
		WorkerCount:  4,
		BatchSize:    8,
		PollInterval: 100 * time.Millisecond,
		Wakeup: WakeupSettings{
			Enabled:  true,
			Interval: 1 * time.Second,
		},
		Archive: ArchiveSettings{
			Enabled:         true,
			BatchSize:       50,
			Interval:        5 * time.Second,
			MaxIdleInterval: 60 * time.Second,
		},
		Webhook: WebhookSettings{
			Enabled:   true,
			BatchSize: 20,
			Interval:  2 * time.Second,
			PoolSize:  4,
			Timeout:   10 * time.Second,
		},
	}
}
