// Package redisbus implements bus.Bus on Redis Streams so that several relay
// processes share one event stream.
//
// Each topic is one stream. A subscription records the tail of every stream
// it names when it opens and then reads forward from those cursors, so a
// slow consumer or a dropped connection delays delivery instead of losing
// messages. Streams are trimmed to roughly MaxLen entries; a consumer that
// falls further behind than that misses the trimmed entries.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	dataField    = "data"
	readRetries  = 5
	retryBackoff = 100 * time.Millisecond
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to every stream key. ENV: BUS_KEY_PREFIX
	KeyPrefix string `env:"BUS_KEY_PREFIX,default=accessrelay:bus:"`
	// MaxLen caps each stream, approximately. ENV: BUS_STREAM_MAXLEN
	MaxLen int64 `env:"BUS_STREAM_MAXLEN,default=10000"`
	// ReadCount is the most entries fetched per read. ENV: BUS_READ_COUNT
	ReadCount int64 `env:"BUS_READ_COUNT,default=100"`
	// ReadBlock bounds one blocking read; Next re-checks its context and
	// Close between reads. ENV: BUS_READ_BLOCK
	ReadBlock time.Duration `env:"BUS_READ_BLOCK,default=500ms"`
}

// Bus is a Redis Streams implementation of bus.Bus.
type Bus struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	count  int64
	block  time.Duration
}

// New creates a new Redis-based bus.
func New(cfg Config) *Bus {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	b := &Bus{
		client: client,
		prefix: cfg.KeyPrefix,
		maxLen: cfg.MaxLen,
		count:  cfg.ReadCount,
		block:  cfg.ReadBlock,
	}
	if b.prefix == "" {
		b.prefix = "accessrelay:bus:"
	}
	if b.maxLen <= 0 {
		b.maxLen = 10000
	}
	if b.count <= 0 {
		b.count = 100
	}
	if b.block <= 0 {
		b.block = 500 * time.Millisecond
	}
	return b
}

// NewFromEnv builds a Bus using envdecode to populate Config and checks
// connectivity.
func NewFromEnv(ctx context.Context) (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("redisbus config: %w", err)
	}
	b := New(cfg)
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

// Close closes the Redis client.
func (b *Bus) Close() error { return b.client.Close() }

func (b *Bus) streamKey(topic string) string { return b.prefix + "stream:" + topic }

// Publish implements bus.Bus.Publish
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	key := b.streamKey(topic)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{dataField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return nil
}

// Subscribe implements bus.Bus.Subscribe. Only entries added after
// Subscribe returns are delivered.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) (bus.Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe: no topics")
	}
	sub := &subscription{
		bus:     b,
		keys:    make([]string, len(topics)),
		cursors: make([]string, len(topics)),
		index:   make(map[string]int, len(topics)),
	}
	for i, t := range topics {
		key := b.streamKey(t)
		tail, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("subscribe to stream %s: %w", key, err)
		}
		sub.keys[i] = key
		sub.cursors[i] = "0-0"
		if len(tail) > 0 {
			sub.cursors[i] = tail[0].ID
		}
		sub.index[key] = i
	}
	return sub, nil
}

type subscription struct {
	bus     *Bus
	keys    []string
	cursors []string
	index   map[string]int
	pending []bus.Message
	closed  atomic.Bool
}

// Next implements bus.Subscription.Next
func (s *subscription) Next(ctx context.Context) (bus.Message, error) {
	failures := 0
	for {
		if s.closed.Load() {
			return bus.Message{}, io.EOF
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return bus.Message{}, err
		}
		err := s.read(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bus.Message{}, ctxErr
		}
		// The cursors are unchanged, so a retry resumes where the failed
		// read started.
		failures++
		if failures > readRetries {
			return bus.Message{}, err
		}
		select {
		case <-time.After(time.Duration(failures) * retryBackoff):
		case <-ctx.Done():
			return bus.Message{}, ctx.Err()
		}
	}
}

func (s *subscription) read(ctx context.Context) error {
	streams, err := s.bus.client.XRead(ctx, &redis.XReadArgs{
		Streams: append(slices.Clone(s.keys), s.cursors...),
		Count:   s.bus.count,
		Block:   s.bus.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read streams: %w", err)
	}

	type entry struct {
		id  string
		msg bus.Message
	}
	var batch []entry
	for _, stream := range streams {
		i, ok := s.index[stream.Stream]
		if !ok {
			continue
		}
		topic := strings.TrimPrefix(stream.Stream, s.bus.prefix+"stream:")
		for _, m := range stream.Messages {
			s.cursors[i] = m.ID
			data, ok := m.Values[dataField].(string)
			if !ok {
				continue
			}
			batch = append(batch, entry{id: m.ID, msg: bus.Message{Topic: topic, Data: []byte(data)}})
		}
	}
	slices.SortStableFunc(batch, func(a, b entry) int { return compareIDs(a.id, b.id) })
	for _, e := range batch {
		s.pending = append(s.pending, e.msg)
	}
	return nil
}

// compareIDs orders stream entry IDs of the form "<ms>-<seq>".
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	n, _ := strconv.ParseUint(seq, 10, 64)
	return m, n
}

// Close implements bus.Subscription.Close. A Next blocked in a read
// returns io.EOF once that read ends.
func (s *subscription) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ bus.Bus          = (*Bus)(nil)
	_ bus.Subscription = (*subscription)(nil)
)
