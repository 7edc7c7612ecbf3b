package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"homewatch/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cooldownKeyPrefix = "homewatch:cooldown:"

// setNXClient is the part of the Redis client the gate uses
type setNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisCooldownGate shares the cooldown window between service instances.
// SET NX makes check-and-record a single atomic step; the key expires with the window.
type RedisCooldownGate struct {
	client   setNXClient
	cooldown time.Duration
	logger   *zap.Logger
}

// NewRedisCooldownGate connects to Redis and verifies the connection
func NewRedisCooldownGate(ctx context.Context, addr, password string, db int, cooldown time.Duration, logger *zap.Logger) (*RedisCooldownGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis cooldown gate connected",
		zap.String("addr", addr),
		zap.Duration("cooldown", cooldown))
	return &RedisCooldownGate{client: client, cooldown: cooldown, logger: logger}, nil
}

// Allow records now for key and returns true unless an unexpired entry exists.
// Expiry follows the Redis clock.
func (g *RedisCooldownGate) Allow(ctx context.Context, key models.CooldownKey, now time.Time) (bool, error) {
	ok, err := g.client.SetNX(ctx, cooldownKeyPrefix+key.String(), strconv.FormatInt(now.UnixMilli(), 10), g.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisCooldownGate) Close() error {
	return g.client.Close()
}
