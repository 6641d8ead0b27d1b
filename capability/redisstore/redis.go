package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to every key. ENV: STORE_KEY_PREFIX
	KeyPrefix string `env:"STORE_KEY_PREFIX,default=accessrelay:store:"`
}

// Store is a Redis implementation of capability.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

const (
	defaultPrefix = "accessrelay:store:"
	maxTxAttempts = 16
	noRef         = "-"
)

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// NewFromEnv builds a Store using envdecode to populate Config and checks
// connectivity.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("redisstore config: %w", err)
	}
	s := New(cfg)
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) docKey(name, id string) string { return s.prefix + "doc:" + name + ":" + id }
func (s *Store) idxKey(index, value string) string { return s.prefix + "idx:" + index + ":" + value }
func (s *Store) setKey(name string) string { return s.prefix + "set:" + name }
func (s *Store) zKey(name string) string { return s.prefix + "z:" + name }

func ref(id string) string {
	if id == "" {
		return noRef
	}
	return id
}

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func notFound(kind string) error {
	return capability.Errorf(capability.ErrNotFound, "No %s with given ID", kind)
}

func conflict(format string, args ...any) error {
	return capability.Errorf(capability.ErrConflict, format, args...)
}

// unique is a unique index key and the message reported when another
// document already holds it.
type unique struct {
	key string
	msg string
}

// entry lists every secondary key a document occupies.
type entry struct {
	uniques []unique
	sets    []string
	zsets   map[string]float64
}

func (e entry) holds(key string) bool {
	for _, u := range e.uniques {
		if u.key == key {
			return true
		}
	}
	return false
}

// kind binds a document type to its key namespace and index layout.
type kind[T any] struct {
	name  string
	title string
	id    func(T) string
	entry func(*Store, T) entry
}

var accountKind = kind[*capability.Account]{
	name:  "account",
	title: "Account",
	id:    func(a *capability.Account) string { return a.ID },
	entry: func(s *Store, a *capability.Account) entry {
		return entry{uniques: []unique{
			{key: s.idxKey("account-email", a.Email), msg: fmt.Sprintf("Email %s is already in use", a.Email)},
		}}
	},
}

var clientKind = kind[*capability.Client]{
	name:  "client",
	title: "Client",
	id:    func(c *capability.Client) string { return c.ID },
	entry: func(s *Store, c *capability.Client) entry {
		var e entry
		if c.Symbol != "" {
			e.uniques = append(e.uniques, unique{
				key: s.idxKey("client-symbol", c.Symbol),
				msg: fmt.Sprintf("Symbol %s is already in use", c.Symbol),
			})
		}
		e.uniques = append(e.uniques, unique{
			key: s.idxKey("client-owner-url", ref(c.OwnerID)+":"+c.URLName),
			msg: fmt.Sprintf("A client named %q already exists for this owner", c.Name),
		})
		return e
	},
}

var accessKind = kind[*capability.Access]{
	name:  "access",
	title: "Access",
	id:    func(a *capability.Access) string { return a.ID },
	entry: func(s *Store, a *capability.Access) entry {
		e := entry{
			uniques: []unique{{key: s.idxKey("access-token", a.Token), msg: "Token is already in use"}},
			sets: []string{
				s.setKey("accesses:all"),
				s.setKey("accesses:account:" + ref(a.AccountID)),
				s.setKey("accesses:client:" + ref(a.ClientID)),
			},
		}
		if k := a.PairKey(); k != "" {
			e.uniques = append(e.uniques, unique{
				key: s.idxKey("access-pair", k),
				msg: "A live access already exists for this account and client",
			})
		}
		if a.Expiration != nil && !a.Blocked {
			e.zsets = map[string]float64{s.zKey("accesses:expiring"): ms(*a.Expiration)}
		}
		return e
	},
}

var sessionKind = kind[*capability.AuthenticationSession]{
	name:  "session",
	title: "Session",
	id:    func(sess *capability.AuthenticationSession) string { return sess.ID },
	entry: func(s *Store, sess *capability.AuthenticationSession) entry {
		return entry{
			uniques: []unique{{key: s.idxKey("session-token", sess.Token), msg: "Token is already in use"}},
			zsets:   map[string]float64{s.zKey("sessions:expiring"): ms(sess.Expiration)},
		}
	},
}

// txn runs fn under WATCH on keys, retrying when another client touched
// a watched key before EXEC.
func (s *Store) txn(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return conflict("Too many concurrent updates, retry later")
}

func decode[T any](k kind[T], raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", k.name, err)
	}
	return v, nil
}

// put writes v, claiming its unique keys and moving its set memberships.
// insert selects between create and replace semantics.
func put[T any](ctx context.Context, s *Store, k kind[T], v T, insert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := k.id(v)
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k.name, err)
	}
	docKey := s.docKey(k.name, id)
	next := k.entry(s, v)

	return s.txn(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, docKey).Bytes()
		exists := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if insert && exists {
			return conflict("%s %s already exists", k.title, id)
		}
		if !insert && !exists {
			return notFound(k.name)
		}
		var prev entry
		if exists {
			old, err := decode(k, raw)
			if err != nil {
				return err
			}
			prev = k.entry(s, old)
		}

		keys := make([]string, len(next.uniques))
		for i, u := range next.uniques {
			keys[i] = u.key
		}
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return err
		}
		holders, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, h := range holders {
			if holder, ok := h.(string); ok && holder != id {
				return conflict("%s", next.uniques[i].msg)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, u := range prev.uniques {
				if !next.holds(u.key) {
					p.Del(ctx, u.key)
				}
			}
			for _, set := range prev.sets {
				p.SRem(ctx, set, id)
			}
			for z := range prev.zsets {
				p.ZRem(ctx, z, id)
			}
			for _, u := range next.uniques {
				p.Set(ctx, u.key, id, 0)
			}
			for _, set := range next.sets {
				p.SAdd(ctx, set, id)
			}
			for z, score := range next.zsets {
				p.ZAdd(ctx, z, redis.Z{Score: score, Member: id})
			}
			p.Set(ctx, docKey, data, 0)
			return nil
		})
		return err
	}, docKey)
}

// remove deletes the document and every key it occupies. When cond is
// non-nil and rejects the stored document nothing is removed. It reports
// whether a document was removed.
func remove[T any](ctx context.Context, s *Store, k kind[T], id string, cond func(T) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	docKey := s.docKey(k.name, id)
	removed := false
	err := s.txn(ctx, func(tx *redis.Tx) error {
		removed = false
		raw, err := tx.Get(ctx, docKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(k.name)
		}
		if err != nil {
			return err
		}
		old, err := decode(k, raw)
		if err != nil {
			return err
		}
		if cond != nil && !cond(old) {
			return nil
		}
		prev := k.entry(s, old)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, u := range prev.uniques {
				p.Del(ctx, u.key)
			}
			for _, set := range prev.sets {
				p.SRem(ctx, set, id)
			}
			for z := range prev.zsets {
				p.ZRem(ctx, z, id)
			}
			p.Del(ctx, docKey)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, docKey)
	return removed, err
}

func get[T any](ctx context.Context, s *Store, k kind[T], id string) (T, error) {
	var zero T
	raw, err := s.client.Get(ctx, s.docKey(k.name, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, notFound(k.name)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", k.name, err)
	}
	return decode(k, raw)
}

// lookup follows a unique index to its document. missing is returned when
// either the index or the document is gone.
func lookup[T any](ctx context.Context, s *Store, k kind[T], idx string, missing error) (T, error) {
	var zero T
	id, err := s.client.Get(ctx, idx).Result()
	if errors.Is(err, redis.Nil) {
		return zero, missing
	}
	if err != nil {
		return zero, fmt.Errorf("lookup %s: %w", k.name, err)
	}
	v, err := get(ctx, s, k, id)
	if errors.Is(err, capability.ErrNotFound) {
		return zero, missing
	}
	return v, err
}

// --- Accounts ---

func (s *Store) InsertAccount(ctx context.Context, a *capability.Account) error {
	return put(ctx, s, accountKind, a, true)
}

func (s *Store) UpdateAccount(ctx context.Context, a *capability.Account) error {
	return put(ctx, s, accountKind, a, false)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*capability.Account, error) {
	return get(ctx, s, accountKind, id)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*capability.Account, error) {
	return lookup(ctx, s, accountKind, s.idxKey("account-email", email),
		capability.Errorf(capability.ErrNotFound, capability.MsgNoAccountForEmail))
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := remove(ctx, s, accountKind, id, nil)
	return err
}

// --- Clients ---

func (s *Store) InsertClient(ctx context.Context, c *capability.Client) error {
	return put(ctx, s, clientKind, c, true)
}

func (s *Store) UpdateClient(ctx context.Context, c *capability.Client) error {
	return put(ctx, s, clientKind, c, false)
}

func (s *Store) GetClient(ctx context.Context, id string) (*capability.Client, error) {
	return get(ctx, s, clientKind, id)
}

func (s *Store) FindClientBySymbol(ctx context.Context, symbol string) (*capability.Client, error) {
	missing := capability.Errorf(capability.ErrNotFound, "No client with given symbol")
	if symbol == "" {
		return nil, missing
	}
	return lookup(ctx, s, clientKind, s.idxKey("client-symbol", symbol), missing)
}

func (s *Store) FindClientByOwnerURLName(ctx context.Context, ownerID, urlName string) (*capability.Client, error) {
	return lookup(ctx, s, clientKind, s.idxKey("client-owner-url", ref(ownerID)+":"+urlName),
		capability.Errorf(capability.ErrNotFound, "No client with given name"))
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	_, err := remove(ctx, s, clientKind, id, nil)
	return err
}

// --- Accesses ---

func (s *Store) InsertAccess(ctx context.Context, a *capability.Access) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return put(ctx, s, accessKind, a, true)
}

func (s *Store) UpdateAccess(ctx context.Context, a *capability.Access) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return put(ctx, s, accessKind, a, false)
}

func (s *Store) GetAccess(ctx context.Context, id string) (*capability.Access, error) {
	return get(ctx, s, accessKind, id)
}

func (s *Store) FindAccessByToken(ctx context.Context, token string) (*capability.Access, error) {
	return lookup(ctx, s, accessKind, s.idxKey("access-token", token),
		capability.Errorf(capability.ErrNotFound, capability.MsgNoAccess))
}

// candidateIDs narrows the search to the membership sets implied by the
// filter's account and client predicates.
func (s *Store) candidateIDs(ctx context.Context, f capability.AccessFilter) ([]string, error) {
	if f.Token != "" {
		id, err := s.client.Get(ctx, s.idxKey("access-token", f.Token)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	var sets []string
	if v, ok := f.AccountID.Value(); ok {
		sets = append(sets, s.setKey("accesses:account:"+v))
	} else if f.AccountID.IsAbsent() {
		sets = append(sets, s.setKey("accesses:account:"+noRef))
	}
	if v, ok := f.ClientID.Value(); ok {
		sets = append(sets, s.setKey("accesses:client:"+v))
	} else if f.ClientID.IsAbsent() {
		sets = append(sets, s.setKey("accesses:client:"+noRef))
	}
	switch len(sets) {
	case 0:
		return s.client.SMembers(ctx, s.setKey("accesses:all")).Result()
	case 1:
		return s.client.SMembers(ctx, sets[0]).Result()
	default:
		return s.client.SInter(ctx, sets...).Result()
	}
}

func (s *Store) FindAccesses(ctx context.Context, f capability.AccessFilter) ([]*capability.Access, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find accesses: %w", err)
	}
	if len(ids) == 0 {
		return []*capability.Access{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(accessKind.name, id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("find accesses: %w", err)
	}
	candidates := make([]*capability.Access, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		a, err := decode(accessKind, []byte(str))
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, a)
	}
	return capability.ApplyAccessFilter(candidates, f), nil
}

func (s *Store) DeleteAccess(ctx context.Context, id string) error {
	_, err := remove(ctx, s, accessKind, id, nil)
	return err
}

func (s *Store) DeleteExpiredAccesses(ctx context.Context, now time.Time) (int, error) {
	expired := func(a *capability.Access) bool { return !a.Blocked && a.Expired(now) }
	return sweep(ctx, s, accessKind, s.zKey("accesses:expiring"), now, expired)
}

// --- Authentication sessions ---

func (s *Store) InsertSession(ctx context.Context, sess *capability.AuthenticationSession) error {
	return put(ctx, s, sessionKind, sess, true)
}

func (s *Store) FindSessionByToken(ctx context.Context, token string) (*capability.AuthenticationSession, error) {
	return lookup(ctx, s, sessionKind, s.idxKey("session-token", token),
		capability.Errorf(capability.ErrNotFound, "No session with given token"))
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := remove(ctx, s, sessionKind, id, nil)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	expired := func(sess *capability.AuthenticationSession) bool { return sess.Expired(now) }
	return sweep(ctx, s, sessionKind, s.zKey("sessions:expiring"), now, expired)
}

// sweep removes every member of zset scored strictly before now whose
// document still satisfies expired. Members left behind by a concurrent
// delete are pruned.
func sweep[T any](ctx context.Context, s *Store, k kind[T], zset string, now time.Time, expired func(T) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ids, err := s.client.ZRangeByScore(ctx, zset, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", k.name, err)
	}
	n := 0
	for _, id := range ids {
		ok, err := remove(ctx, s, k, id, expired)
		if errors.Is(err, capability.ErrNotFound) {
			s.client.ZRem(ctx, zset, id)
			continue
		}
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

var _ capability.Store = (*Store)(nil)
