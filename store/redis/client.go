package redis

import (
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
)

type Config struct {
	Addrs     []string
	Namespace string
	PoolSize  int
	Password  string

	// Protocol windows. Zero values fall back to the defaults below.
	ExternalIdWindow   time.Duration
	ArchiveDelay       time.Duration
	WakeupLeaseTTL     time.Duration
	ArchiveLeaseTTL    time.Duration
	ArchiveCooldown    time.Duration
	WebhookLease       time.Duration
	WebhookBackoffBase time.Duration
	WebhookMaxRetries  int
}

const defaultExternalIdWindow = 24 * time.Hour
const defaultArchiveDelay = 5 * time.Minute
const defaultWakeupLeaseTTL = 10 * time.Second
const defaultArchiveLeaseTTL = 30 * time.Second
const defaultArchiveCooldown = 5 * time.Minute
const defaultWebhookLease = 30 * time.Second
const defaultWebhookBackoffBase = 10 * time.Second
const defaultWebhookMaxRetries = 5

func (c *Config) applyDefaults() {
	if c.ExternalIdWindow == 0 {
		c.ExternalIdWindow = defaultExternalIdWindow
	}
	if c.ArchiveDelay == 0 {
		c.ArchiveDelay = defaultArchiveDelay
	}
	if c.WakeupLeaseTTL == 0 {
		c.WakeupLeaseTTL = defaultWakeupLeaseTTL
	}
	if c.ArchiveLeaseTTL == 0 {
		c.ArchiveLeaseTTL = defaultArchiveLeaseTTL
	}
	if c.ArchiveCooldown == 0 {
		c.ArchiveCooldown = defaultArchiveCooldown
	}
	if c.WebhookLease == 0 {
		c.WebhookLease = defaultWebhookLease
	}
	if c.WebhookBackoffBase == 0 {
		c.WebhookBackoffBase = defaultWebhookBackoffBase
	}
	if c.WebhookMaxRetries == 0 {
		c.WebhookMaxRetries = defaultWebhookMaxRetries
	}
}

// Client owns the redis connection and the key namespace. It is constructed
// once by the agent and injected everywhere a store is needed; nothing in
// this package reaches for a shared connection.
type Client struct {
	redisClient rd.UniversalClient
	namespace   string
}

func NewClient(conf Config) *Client {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		PoolSize: conf.PoolSize,
	})
	return &Client{
		redisClient: redisClient,
		namespace:   conf.Namespace,
	}
}

func (c *Client) key(args ...string) string {
	return c.namespace + ":" + strings.Join(args, ":")
}

func (c *Client) Close() error {
	return c.redisClient.Close()
}
