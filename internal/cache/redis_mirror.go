package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/go-redis/redis/v8"
)

// RedisMirrorConfig содержит настройки зеркала индекса в Redis
type RedisMirrorConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	BatchSize    int    `yaml:"batch_size"`
	BatchFlushMs int    `yaml:"batch_flush_ms"`
}

// DefaultRedisMirrorConfig возвращает конфигурацию по умолчанию
func DefaultRedisMirrorConfig() *RedisMirrorConfig {
	return &RedisMirrorConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "territory:",
		BatchSize:    256,
		BatchFlushMs: 100,
	}
}

type mirrorOp struct {
	claimID int64 // 0 - удалить
}

// RedisMirror копирует индекс клетка -> клейм в хеш Redis для внешних
// читателей (рендер карты, другие сервисы). Запись пакетная, в фоне.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	batchSize int

	batchMu      sync.Mutex
	batchBuffer  map[territory.CellKey]mirrorOp
	droppedClaim []int64

	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup

	flushedOps int64
	errorsCnt  int64
}

// NewRedisMirror подключается к Redis и запускает фоновый сброс
func NewRedisMirror(config *RedisMirrorConfig) (*RedisMirror, error) {
	if config == nil {
		config = DefaultRedisMirrorConfig()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "territory:"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 256
	}
	if config.BatchFlushMs <= 0 {
		config.BatchFlushMs = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m := &RedisMirror{
		client:      client,
		keyPrefix:   config.KeyPrefix,
		batchSize:   config.BatchSize,
		batchBuffer: make(map[territory.CellKey]mirrorOp),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.batchFlusher()

	logging.Info("🔴 Territory mirror connected to Redis at %s", config.Addr)
	return m, nil
}

func (m *RedisMirror) cellsKey() string  { return m.keyPrefix + "cells" }
func (m *RedisMirror) claimsKey() string { return m.keyPrefix + "claims" }

// CellIndexed реализует IndexListener
func (m *RedisMirror) CellIndexed(key territory.CellKey, claimID int64) {
	m.enqueue(key, mirrorOp{claimID: claimID})
}

// CellDropped реализует IndexListener
func (m *RedisMirror) CellDropped(key territory.CellKey) {
	m.enqueue(key, mirrorOp{})
}

// ClaimDropped реализует IndexListener
func (m *RedisMirror) ClaimDropped(claimID int64) {
	m.batchMu.Lock()
	m.droppedClaim = append(m.droppedClaim, claimID)
	m.batchMu.Unlock()
}

func (m *RedisMirror) enqueue(key territory.CellKey, op mirrorOp) {
	m.batchMu.Lock()
	m.batchBuffer[key] = op
	full := len(m.batchBuffer) >= m.batchSize
	m.batchMu.Unlock()

	if full {
		m.flush()
	}
}

func (m *RedisMirror) batchFlusher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.batchTicker.C:
			m.flush()
		case <-m.shutdown:
			m.flush()
			return
		}
	}
}

func (m *RedisMirror) flush() {
	m.batchMu.Lock()
	if len(m.batchBuffer) == 0 && len(m.droppedClaim) == 0 {
		m.batchMu.Unlock()
		return
	}
	batch := m.batchBuffer
	dropped := m.droppedClaim
	m.batchBuffer = make(map[territory.CellKey]mirrorOp)
	m.droppedClaim = nil
	m.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := m.client.Pipeline()
	claims := make(map[int64]bool)
	for key, op := range batch {
		if op.claimID == 0 {
			pipe.HDel(ctx, m.cellsKey(), key.String())
			continue
		}
		pipe.HSet(ctx, m.cellsKey(), key.String(), op.claimID)
		claims[op.claimID] = true
	}
	for id := range claims {
		pipe.SAdd(ctx, m.claimsKey(), id)
	}
	for _, id := range dropped {
		pipe.SRem(ctx, m.claimsKey(), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		atomic.AddInt64(&m.errorsCnt, 1)
		logging.Warn("⚠️ Failed to flush territory mirror (%d ops): %v", len(batch)+len(dropped), err)
		return
	}
	atomic.AddInt64(&m.flushedOps, int64(len(batch)+len(dropped)))
}

// Lookup читает владельца клетки из зеркала
func (m *RedisMirror) Lookup(ctx context.Context, key territory.CellKey) (int64, bool, error) {
	val, err := m.client.HGet(ctx, m.cellsKey(), key.String()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read mirror: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupted mirror value %q: %w", val, err)
	}
	return id, true, nil
}

// Flush принудительно сбрасывает буфер
func (m *RedisMirror) Flush() { m.flush() }

// GetMetrics возвращает счётчики зеркала
func (m *RedisMirror) GetMetrics() map[string]interface{} {
	m.batchMu.Lock()
	pending := len(m.batchBuffer)
	m.batchMu.Unlock()
	return map[string]interface{}{
		"flushed_ops":   atomic.LoadInt64(&m.flushedOps),
		"errors_count":  atomic.LoadInt64(&m.errorsCnt),
		"pending_cells": pending,
	}
}

// Close сбрасывает буфер и закрывает соединение
func (m *RedisMirror) Close() error {
	close(m.shutdown)
	m.batchTicker.Stop()
	m.wg.Wait()
	return m.client.Close()
}
