package config

import "time"

// AppConfig is the whole process configuration. Both the reference server (serve)
// and the engine runner (watch) read it; each uses the sections it needs.
type AppConfig struct {
	Log    LogConfig    `koanf:"log"`
	Server ServerConfig `koanf:"server"`
	Client ClientConfig `koanf:"client"`
	Nats   NatsConfig   `koanf:"nats"`
	Redis  RedisConfig  `koanf:"redis"`
	Mongo  MongoConfig  `koanf:"mongo"`
	Auth   AuthConfig   `koanf:"auth"`
	Sync   SyncConfig   `koanf:"sync"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug/info/warn/error
	Format string `koanf:"format"` // console/json
}

type ServerConfig struct {
	Addr         string `koanf:"addr"`
	NodeID       int64  `koanf:"node_id"` // snowflake node
	HistoryLimit int64  `koanf:"history_limit"`
	OpenJoin     bool   `koanf:"open_join"`
	// Store is "mongo" (messages in Mongo, the rest in Redis) or "memory".
	Store        string        `koanf:"store"`
	Gateway      bool          `koanf:"gateway"`
	MaxPerMember int           `koanf:"max_per_member"`
	EvictOldest  bool          `koanf:"evict_oldest"`
	ConnTTL      time.Duration `koanf:"conn_ttl"`
	PresenceTTL  time.Duration `koanf:"presence_ttl"`
}

type ClientConfig struct {
	BaseURL     string `koanf:"base_url"`
	WSURL       string `koanf:"ws_url"`
	MemberID    string `koanf:"member_id"`
	DisplayName string `koanf:"display_name"`
	// Transport is "ws" (through the gateway) or "nats" (direct to the broker).
	Transport string        `koanf:"transport"`
	Timeout   time.Duration `koanf:"timeout"`
	Retries   int           `koanf:"retries"`
}

type NatsConfig struct {
	Servers       []string      `koanf:"servers"`
	Name          string        `koanf:"name"`
	User          string        `koanf:"user"`
	Password      string        `koanf:"password"`
	Token         string        `koanf:"token"`
	Mode          string        `koanf:"mode"` // core/jetstream
	Stream        string        `koanf:"stream"`
	DupWindow     time.Duration `koanf:"dup_window"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	Timeout       time.Duration `koanf:"timeout"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
	Prefix   string `koanf:"prefix"`
}

type MongoConfig struct {
	URI         string   `koanf:"uri"`
	Address     []string `koanf:"address"`
	Database    string   `koanf:"database"`
	Username    string   `koanf:"username"`
	Password    string   `koanf:"password"`
	AuthSource  string   `koanf:"auth_source"`
	MaxPoolSize int      `koanf:"max_pool_size"`
	MaxRetry    int      `koanf:"max_retry"`
}

type AuthConfig struct {
	Secret string        `koanf:"secret"`
	Alg    string        `koanf:"alg"`
	TTL    time.Duration `koanf:"ttl"`
	Issuer string        `koanf:"issuer"`
}

// SyncConfig tunes the client engine.
type SyncConfig struct {
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
	HeartbeatEvery   time.Duration `koanf:"heartbeat_every"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectBackoff time.Duration `koanf:"reconnect_backoff"`
	QueueCap         int           `koanf:"queue_cap"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	DedupCap         int           `koanf:"dedup_cap"`
	StaleHorizon     time.Duration `koanf:"stale_horizon"`
	ReceiptTTL       time.Duration `koanf:"receipt_ttl"`
	ReceiptRefresh   time.Duration `koanf:"receipt_refresh"`
	TypingThrottle   time.Duration `koanf:"typing_throttle"`
	TypingIdle       time.Duration `koanf:"typing_idle"`
	TypingTimeout    time.Duration `koanf:"typing_timeout"`
}
