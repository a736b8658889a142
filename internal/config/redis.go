package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRedisNotEnabled  = errors.New("redis store not enabled")
	ErrBindingsNotFound = errors.New("bindings not found in redis")
)

// RedisStore reads bindings from Redis.
// IMPORTANT: The daemon is READ-ONLY. All writes are done by external admin tools.
//
// Bindings live in the hash <prefix>bindings. Each field is a binding key in
// "proto|prefix|port" form, the value is the destination label:
//
//	HSET sockdispatch:bindings "tcp|192.0.2.0/24|443" web
//	PUBLISH sockdispatch:config:changed '{"type":"bindings"}'
type RedisStore struct {
	client  *redis.Client
	prefix  string
	pubsub  *redis.PubSub
	updates chan ConfigUpdate
}

// ConfigUpdate represents a configuration change notification from Redis pub/sub
type ConfigUpdate struct {
	Type string          `json:"type"` // "bindings"
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRedisStore connects to Redis and subscribes to change notifications.
// It returns nil if the store is disabled.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := newRedisStore(client, cfg.KeyPrefix)

	// Subscribe to configuration changes (for hot-reload)
	store.pubsub = client.Subscribe(ctx, store.changedChannel())
	go store.listenUpdates()

	xlog.Infof("Redis bindings store initialized (READ-ONLY): addr=%s, prefix=%s", cfg.Addr, cfg.KeyPrefix)
	return store, nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		updates: make(chan ConfigUpdate, 10),
	}
}

func (r *RedisStore) bindingsKey() string    { return r.prefix + "bindings" }
func (r *RedisStore) changedChannel() string { return r.prefix + "config:changed" }

// listenUpdates listens for Redis pub/sub messages for config hot-reload
func (r *RedisStore) listenUpdates() {
	ch := r.pubsub.Channel()
	for msg := range ch {
		update, err := parseConfigUpdate(msg.Payload)
		if err != nil {
			xlog.Warnf("Failed to parse config update: %v", err)
			continue
		}
		select {
		case r.updates <- update:
			xlog.Infof("Received config update: type=%s", update.Type)
		default:
			xlog.Warnf("Config update channel full, dropping update")
		}
	}
}

// parseConfigUpdate accepts a JSON update or an empty payload, which means
// "bindings".
func parseConfigUpdate(payload string) (ConfigUpdate, error) {
	if payload == "" {
		return ConfigUpdate{Type: "bindings"}, nil
	}

	var update ConfigUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return ConfigUpdate{}, err
	}
	if update.Type == "" {
		update.Type = "bindings"
	}
	return update, nil
}

// Updates returns a channel for receiving configuration updates
func (r *RedisStore) Updates() <-chan ConfigUpdate {
	if r == nil {
		return nil
	}
	return r.updates
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r == nil {
		return nil
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	return r.client.Close()
}

// CheckHealth checks if Redis connection is healthy
func (r *RedisStore) CheckHealth(ctx context.Context) error {
	if r == nil {
		return ErrRedisNotEnabled
	}
	return r.client.Ping(ctx).Err()
}

// Name identifies the store in logs.
func (r *RedisStore) Name() string {
	return "redis"
}

// LoadBindings reads all bindings. A missing hash is an error, so that an
// unreachable or wiped store doesn't remove every binding.
func (r *RedisStore) LoadBindings(ctx context.Context) (dispatch.Bindings, error) {
	if r == nil {
		return nil, ErrRedisNotEnabled
	}

	exists, err := r.client.Exists(ctx, r.bindingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check bindings: %w", err)
	}
	if exists == 0 {
		return nil, ErrBindingsNotFound
	}

	result, err := r.client.HGetAll(ctx, r.bindingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}

	return parseBindingsHash(result)
}

func parseBindingsHash(hash map[string]string) (dispatch.Bindings, error) {
	fields := make([]string, 0, len(hash))
	for field := range hash {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	bindings := make(dispatch.Bindings, 0, len(hash))
	for _, field := range fields {
		b, err := dispatch.ParseBinding(hash[field], field)
		if err != nil {
			return nil, fmt.Errorf("redis field %q: %w", field, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}
