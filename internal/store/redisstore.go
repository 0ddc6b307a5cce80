package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	keyConversation = "warden:conv:%s"      // hash
	keyMessages     = "warden:conv:%s:msgs" // list of JSON messages
	keyAction       = "warden:action:%s"    // JSON action
	keyPendingSet   = "warden:actions:pending"
	keyTrustRules   = "warden:trust_rules" // hash: "service|action" -> JSON
)

// RedisStore is a Redis-backed Store. Row-level write conflicts are
// serialized with WATCH transactions on the row's key.
type RedisStore struct {
	rdb *redis.Client
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and validates the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key := fmt.Sprintf(keyConversation, conv.ID)
	err := s.rdb.HSet(ctx, key, map[string]any{
		"title":   conv.Title,
		"created": conv.CreatedAt.Format(time.RFC3339Nano),
		"updated": conv.UpdatedAt.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("hset conversation: %w", err)
	}
	return conv, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	key := fmt.Sprintf(keyConversation, id)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall conversation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	created, _ := time.Parse(time.RFC3339Nano, fields["created"])
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated"])
	return &Conversation{
		ID:        id,
		Title:     fields["title"],
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *RedisStore) UpdateConversationTimestamp(ctx context.Context, id string) error {
	key := fmt.Sprintf(keyConversation, id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.rdb.HSet(ctx, key, "updated", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

func (s *RedisStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	key := fmt.Sprintf(keyConversation, id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.rdb.HSet(ctx, key, map[string]any{
		"title":   title,
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (s *RedisStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := fmt.Sprintf(keyMessages, msg.ConversationID)
	return s.rdb.RPush(ctx, key, data).Err()
}

func (s *RedisStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	key := fmt.Sprintf(keyMessages, conversationID)
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	items, err := s.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange messages: %w", err)
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) CreateAction(ctx context.Context, a *Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyAction, a.ID), data, 0)
	if a.Status == StatusPending {
		pipe.ZAdd(ctx, keyPendingSet, redis.Z{
			Score:  float64(a.CreatedAt.Unix()),
			Member: a.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetAction(ctx context.Context, id string) (*Action, error) {
	data, err := s.rdb.Get(ctx, fmt.Sprintf(keyAction, id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	var a Action
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	return &a, nil
}

// resolveAction transitions a pending action to status inside a WATCH
// transaction so concurrent resolutions of the same action serialize and
// only one wins.
func (s *RedisStore) resolveAction(ctx context.Context, id, status string) (bool, error) {
	key := fmt.Sprintf(keyAction, id)
	transitioned := false

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var a Action
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return err
		}
		if a.Status != StatusPending {
			return nil
		}
		now := time.Now().UTC()
		a.Status = status
		a.ResolvedAt = &now
		updated, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZRem(ctx, keyPendingSet, id)
			return nil
		})
		if err == nil {
			transitioned = true
		}
		return err
	}, key)

	if err != nil {
		return false, fmt.Errorf("resolve action: %w", err)
	}
	return transitioned, nil
}

func (s *RedisStore) ApproveAction(ctx context.Context, id string) (bool, error) {
	return s.resolveAction(ctx, id, StatusApproved)
}

func (s *RedisStore) DenyAction(ctx context.Context, id string) (bool, error) {
	return s.resolveAction(ctx, id, StatusDenied)
}

func (s *RedisStore) ListPendingActions(ctx context.Context) ([]Action, error) {
	ids, err := s.rdb.ZRange(ctx, keyPendingSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange pending: %w", err)
	}
	var out []Action
	for _, id := range ids {
		a, err := s.GetAction(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == StatusPending {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *RedisStore) ExpireOldActions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Unix()
	ids, err := s.rdb.ZRangeByScore(ctx, keyPendingSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore pending: %w", err)
	}
	count := 0
	for _, id := range ids {
		transitioned, err := s.resolveAction(ctx, id, StatusExpired)
		if err != nil {
			return count, err
		}
		if transitioned {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) FindTrustRule(ctx context.Context, service, action string) (*TrustRule, error) {
	for _, key := range []string{ruleKey(service, action), ruleKey(WildcardService, action)} {
		data, err := s.rdb.HGet(ctx, keyTrustRules, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hget trust rule: %w", err)
		}
		var r TrustRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal trust rule: %w", err)
		}
		return &r, nil
	}
	return nil, nil
}

func (s *RedisStore) ListTrustRules(ctx context.Context) ([]TrustRule, error) {
	fields, err := s.rdb.HGetAll(ctx, keyTrustRules).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall trust rules: %w", err)
	}
	out := make([]TrustRule, 0, len(fields))
	for _, data := range fields {
		var r TrustRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal trust rule: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) CreateOrReplaceTrustRule(ctx context.Context, rule *TrustRule) error {
	key := ruleKey(rule.Service, rule.Action)
	existing, err := s.rdb.HGet(ctx, keyTrustRules, key).Result()
	if err == nil {
		var prev TrustRule
		if err := json.Unmarshal([]byte(existing), &prev); err == nil {
			rule.ID = prev.ID
		}
	} else if err != redis.Nil {
		return fmt.Errorf("hget trust rule: %w", err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal trust rule: %w", err)
	}
	return s.rdb.HSet(ctx, keyTrustRules, key, data).Err()
}

func (s *RedisStore) DeleteTrustRule(ctx context.Context, id string) error {
	fields, err := s.rdb.HGetAll(ctx, keyTrustRules).Result()
	if err != nil {
		return fmt.Errorf("hgetall trust rules: %w", err)
	}
	for key, data := range fields {
		var r TrustRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		if r.ID == id {
			return s.rdb.HDel(ctx, keyTrustRules, key).Err()
		}
	}
	return ErrNotFound
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
