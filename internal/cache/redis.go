package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/models"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient подключается и проверяет соединение PING-ом.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
		PoolSize: o.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Redis - общий для инстансов кэш. Ошибки Redis не ломают запрос:
// промах и лог.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Список лежит под ключом своего поколения, счётчик поколения - без TTL.
// Запись, опоздавшая за INCR, попадает в ключ, который больше никто не читает.
func genKey(tenantID string) string { return "accounts:gen:" + tenantID }

func listKey(tenantID string, gen uint64) string {
	return key(tenantID) + ":" + strconv.FormatUint(gen, 10)
}

// errGen - поколение неизвестно, кэш в этом запросе не используется.
const errGen = ^uint64(0)

func (r *Redis) generation(ctx context.Context, tenantID string) (uint64, error) {
	gen, err := r.rdb.Get(ctx, genKey(tenantID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *Redis) GetAccounts(ctx context.Context, tenantID string) ([]models.Account, uint64, bool) {
	gen, err := r.generation(ctx, tenantID)
	if err != nil {
		logs.Logger.WithError(err).WithField("tenant", tenantID).Warn("cache: redis get generation failed")
		return nil, errGen, false
	}
	raw, err := r.rdb.Get(ctx, listKey(tenantID, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false
	}
	if err != nil {
		logs.Logger.WithError(err).WithField("tenant", tenantID).Warn("cache: redis get failed")
		return nil, gen, false
	}
	var list []models.Account
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, gen, false
	}
	return list, gen, true
}

func (r *Redis) SetAccounts(ctx context.Context, tenantID string, gen uint64, list []models.Account) {
	if gen == errGen {
		return
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, listKey(tenantID, gen), raw, r.ttl).Err(); err != nil {
		logs.Logger.WithError(err).WithField("tenant", tenantID).Warn("cache: redis set failed")
	}
}

func (r *Redis) InvalidateTenant(ctx context.Context, tenantID string) {
	if err := r.rdb.Incr(ctx, genKey(tenantID)).Err(); err != nil {
		logs.Logger.WithFields(logrus.Fields{"tenant": tenantID, "error": err}).Error("cache: redis invalidate failed, entry lives until TTL")
	}
}

// Ping - для readiness.
func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
