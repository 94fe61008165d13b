package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPrefix = "stream-gateway"

// RedisRegistry реестр экземпляров в Redis.
// Экземпляры сервиса лежат в хеше <prefix>:services:<name>, поле - id экземпляра.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// RedisOption настройка реестра
type RedisOption func(*RedisRegistry)

// WithPrefix задает префикс ключей
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL задает время жизни записи без heartbeat
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) RedisOption {
	return func(r *RedisRegistry) {
		r.now = now
	}
}

// WithLogger задает логгер
func WithLogger(logger *zap.Logger) RedisOption {
	return func(r *RedisRegistry) {
		r.logger = logger
	}
}

// NewRedisRegistry создает реестр поверх клиента go-redis
func NewRedisRegistry(client *redis.Client, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client: client,
		prefix: defaultPrefix,
		ttl:    30 * time.Second,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) key(name string) string {
	return fmt.Sprintf("%s:services:%s", r.prefix, name)
}

// Register добавляет или обновляет экземпляр
func (r *RedisRegistry) Register(ctx context.Context, inst ServiceInstance) error {
	if inst.ID == "" {
		inst.ID = inst.Address()
	}
	inst.UpdatedAt = r.now()

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if err := r.client.HSet(ctx, r.key(inst.Name), inst.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to register instance %s: %w", inst.ID, err)
	}
	return nil
}

// Heartbeat продлевает жизнь экземпляра
func (r *RedisRegistry) Heartbeat(ctx context.Context, inst ServiceInstance) error {
	return r.Register(ctx, inst)
}

// Deregister удаляет экземпляр
func (r *RedisRegistry) Deregister(ctx context.Context, name, id string) error {
	if err := r.client.HDel(ctx, r.key(name), id).Err(); err != nil {
		return fmt.Errorf("failed to deregister instance %s: %w", id, err)
	}
	return nil
}

// Lookup возвращает живые экземпляры. Просроченные записи удаляются.
func (r *RedisRegistry) Lookup(ctx context.Context, name string) ([]ServiceInstance, error) {
	entries, err := r.client.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lookup %s: %w", name, err)
	}

	now := r.now()
	var (
		live  []ServiceInstance
		stale []string
	)
	for id, raw := range entries {
		var inst ServiceInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			r.logger.Warn("Skipping malformed registry entry",
				zap.String("service", name),
				zap.String("id", id),
				zap.Error(err))
			stale = append(stale, id)
			continue
		}
		if now.Sub(inst.UpdatedAt) > r.ttl {
			stale = append(stale, id)
			continue
		}
		live = append(live, inst)
	}

	if len(stale) > 0 {
		if err := r.client.HDel(ctx, r.key(name), stale...).Err(); err != nil {
			r.logger.Debug("Failed to prune stale instances", zap.String("service", name), zap.Error(err))
		}
	}

	// Порядок стабилен, чтобы round-robin был предсказуем
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

// KeepAlive регистрирует экземпляр и обновляет его каждые interval до отмены контекста.
// При выходе экземпляр снимается с регистрации.
func (r *RedisRegistry) KeepAlive(ctx context.Context, inst ServiceInstance, interval time.Duration) error {
	if inst.ID == "" {
		inst.ID = inst.Address()
	}
	if err := r.Register(ctx, inst); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return r.Deregister(deregCtx, inst.Name, inst.ID)
		case <-ticker.C:
			if err := r.Heartbeat(ctx, inst); err != nil {
				r.logger.Warn("Heartbeat failed", zap.String("service", inst.Name), zap.Error(err))
			}
		}
	}
}

// Ping проверяет доступность Redis
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиента
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
