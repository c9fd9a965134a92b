// Package config loads AppConfig: built-in defaults, then an optional YAML file,
// then PPSYNC_* environment variables.
package config

import (
	"os"
	"strings"

	"PPSync/tools/errs"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "PPSYNC_"

const maxFileSize = 1 << 20

// ===== 默认配置 =====
const defaults = `
log:
  level: info
  format: console
server:
  addr: ":8080"
  node_id: 1
  history_limit: 50
  open_join: false
  store: mongo
  gateway: true
  max_per_member: 8
  evict_oldest: true
  conn_ttl: 2m
  presence_ttl: 2m
client:
  base_url: http://127.0.0.1:8080
  ws_url: ws://127.0.0.1:8080/ws
  transport: ws
  timeout: 10s
  retries: 2
nats:
  servers: ["nats://127.0.0.1:4222"]
  name: ppsync
  mode: core
  stream: PPSYNC
  dup_window: 2m
  reconnect_wait: 2s
  timeout: 5s
redis:
  addr: 127.0.0.1:6379
  db: 0
  pool_size: 20
  prefix: ppsync
mongo:
  uri: mongodb://127.0.0.1:27017
  database: ppsync
  max_pool_size: 20
  max_retry: 3
auth:
  alg: HS256
  ttl: 2h
  issuer: ppsync
sync:
  probe_timeout: 3s
  heartbeat_every: 30s
  max_reconnects: 5
  reconnect_backoff: 2s
  queue_cap: 1000
  poll_interval: 5s
  dedup_cap: 500
  stale_horizon: 10m
  receipt_ttl: 30s
  receipt_refresh: 5s
  typing_throttle: 2s
  typing_idle: 3s
  typing_timeout: 5s
`

// Load reads path (optional, "" skips the file) and the environment.
func Load(path string) (*AppConfig, error) {
	var raw []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "stat config", "path", path)
		}
		if info.Size() > maxFileSize {
			return nil, errs.ErrInvalidArgument.WrapMsg("config file too large", "path", path, "size", info.Size())
		}
		if raw, err = os.ReadFile(path); err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
	}
	return load(raw)
}

func load(file []byte) (*AppConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, errs.WrapMsg(err, "load defaults")
	}
	if len(file) > 0 {
		if err := k.Load(rawbytes.Provider(file), yaml.Parser()); err != nil {
			return nil, errs.WrapMsg(err, "parse config file")
		}
	}

	// PPSYNC_SERVER_HISTORY_LIMIT -> server.history_limit; list values are comma separated.
	envp := env.Provider(EnvPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		section, field, ok := strings.Cut(key, "_")
		if !ok {
			return key
		}
		return section + "." + field
	})
	if err := k.Load(envp, nil); err != nil {
		return nil, errs.WrapMsg(err, "load environment")
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errs.WrapMsg(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *AppConfig) Validate() error {
	switch c.Server.Store {
	case "mongo", "memory":
	default:
		return errs.ErrInvalidArgument.WrapMsg("unknown server.store", "store", c.Server.Store)
	}
	switch c.Client.Transport {
	case "ws", "nats":
	default:
		return errs.ErrInvalidArgument.WrapMsg("unknown client.transport", "transport", c.Client.Transport)
	}
	switch c.Nats.Mode {
	case "core", "jetstream":
	default:
		return errs.ErrInvalidArgument.WrapMsg("unknown nats.mode", "mode", c.Nats.Mode)
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return errs.ErrInvalidArgument.WrapMsg("server.node_id out of range", "nodeId", c.Server.NodeID)
	}
	return nil
}
