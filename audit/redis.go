package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/rideseat/seatmotion/logging"
)

// RedisConfig configures the Redis recorder.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	// MaxEntries bounds the audit list. Older entries are trimmed.
	MaxEntries int64 `json:"max_entries"`
}

// Validate ensures all parts of the config are valid.
func (c RedisConfig) Validate(path string) error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return errors.Errorf("%s.address: required when enabled", path)
	}
	if c.MaxEntries < 0 {
		return errors.Errorf("%s.max_entries: cannot be negative", path)
	}
	return nil
}

// RedisRecorder appends events to a capped Redis list and publishes each one, so dashboards can
// follow safety changes live.
type RedisRecorder struct {
	client     *redis.Client
	prefix     string
	maxEntries int64
	logger     logging.Logger
}

// NewRedisRecorder connects to Redis and checks the connection with a ping.
func NewRedisRecorder(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisRecorder, error) {
	if err := cfg.Validate("audit.redis"); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.New("redis audit recorder is disabled")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "seatmotion"
	}
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = 10000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		goutils.UncheckedError(client.Close())
		return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Address)
	}
	logger.Infow("audit trail connected to redis", "address", cfg.Address, "prefix", prefix)
	return &RedisRecorder{client: client, prefix: prefix, maxEntries: maxEntries, logger: logger}, nil
}

func (r *RedisRecorder) key(name string) string {
	return fmt.Sprintf("%s:%s", r.prefix, name)
}

// EventsKey is the list holding events, newest first.
func (r *RedisRecorder) EventsKey() string {
	return r.key("audit")
}

// Channel is the pub/sub channel each event is published on.
func (r *RedisRecorder) Channel() string {
	return r.key("safety")
}

// Record implements Recorder.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.EventsKey(), data)
	pipe.LTrim(ctx, r.EventsKey(), 0, r.maxEntries-1)
	if ev.Kind == KindTransition {
		pipe.Set(ctx, r.key("state"), ev.To, 0)
	}
	pipe.Publish(ctx, r.Channel(), data)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "writing audit event to redis")
}

// Recent returns up to n events, newest first.
func (r *RedisRecorder) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.EventsKey(), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, s := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			r.logger.Debugw("skipping unreadable audit entry", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close implements Recorder.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
