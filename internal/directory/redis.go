package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisUserPrefix     = "chat:user:"
	redisPublicHistory  = "chat:history:public"
	redisPrivatePrefix  = "chat:history:private:"
	redisFieldIP        = "ip"
	redisFieldCreatedAt = "created_at"
)

// Redis keeps pins in per-user hashes and history in append-only lists.
type Redis struct {
	client *redis.Client
}

type redisEntry struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func OpenRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) AddUser(ctx context.Context, username, ip string) error {
	key := redisUserPrefix + username
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, redisFieldIP, ip)
		p.HSetNX(ctx, key, redisFieldCreatedAt, time.Now().UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

func (r *Redis) UserIP(ctx context.Context, username string) (string, error) {
	ip, err := r.client.HGet(ctx, redisUserPrefix+username, redisFieldIP).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUserNotFound
	}
	return ip, err
}

func (r *Redis) StoreMessage(ctx context.Context, msg StoredMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(redisEntry{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	key := redisPublicHistory
	if msg.Kind == KindPrivate {
		key = privateKey(msg.Sender, msg.Recipient)
	}
	return r.client.RPush(ctx, key, data).Err()
}

func (r *Redis) PublicHistory(ctx context.Context) ([]Entry, error) {
	return r.list(ctx, redisPublicHistory)
}

func (r *Redis) PrivateHistory(ctx context.Context, a, b string) ([]Entry, error) {
	return r.list(ctx, privateKey(a, b))
}

func (r *Redis) list(ctx context.Context, key string) ([]Entry, error) {
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, Entry(e))
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// privateKey is symmetric so both directions share one list.
func privateKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return redisPrivatePrefix + a + ":" + b
}
