package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript удаляет ключ, только если его значение совпадает с holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript продлевает TTL ключа, только если его значение совпадает с holder.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker — Locker поверх Redis для нескольких экземпляров сервиса.
// Захват — SET NX PX, освобождение — сравнение владельца и DEL в скрипте.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisClient создаёт клиент Redis и проверяет соединение.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisLocker создаёт RedisLocker; prefix добавляется к имени блокировки.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) key(name string) string {
	return r.prefix + name
}

func (r *RedisLocker) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	key := r.key(name)
	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка захвата блокировки %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	// Ключ существует: продлеваем, если он наш
	n, err := extendScript.Run(ctx, r.client, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("ошибка продления блокировки %s: %w", name, err)
	}
	return n == 1, nil
}

func (r *RedisLocker) Release(ctx context.Context, name, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(name)}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("ошибка освобождения блокировки %s: %w", name, err)
	}
	return n == 1, nil
}

func (r *RedisLocker) Holder(ctx context.Context, name string) (string, time.Duration, error) {
	key := r.key(name)
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("ошибка чтения блокировки %s: %w", name, err)
	}
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return "", 0, fmt.Errorf("ошибка чтения TTL блокировки %s: %w", name, err)
	}
	return holder, ttl, nil
}

// ReadinessChecker — проверка доступности Redis для /health/ready.
type ReadinessChecker struct {
	client *redis.Client
}

// NewReadinessChecker создаёт проверку готовности Redis.
func NewReadinessChecker(client *redis.Client) *ReadinessChecker {
	return &ReadinessChecker{client: client}
}

// Name возвращает имя проверки.
func (c *ReadinessChecker) Name() string {
	return "redis"
}

// CheckReady выполняет PING с таймаутом.
func (c *ReadinessChecker) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "Redis доступен"
}
