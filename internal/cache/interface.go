package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Invalidator рассылает уведомления об изменении клеймов между узлами.
//
// Использование:
//
//	inv.PublishInvalidation(ctx, ClaimKey(id), "unclaim")
//	inv.SubscribeInvalidations(ctx, func(key string) error { ... })
type Invalidator interface {
	// PublishInvalidation отправляет уведомление об изменении ключа.
	PublishInvalidation(ctx context.Context, key, reason string) error

	// SubscribeInvalidations подписывается на уведомления других узлов.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомление об инвалидации
type InvalidationHandler func(key string) error

const claimKeyPrefix = "claim:"

// ClaimKey ключ инвалидации клейма
func ClaimKey(id int64) string {
	return claimKeyPrefix + strconv.FormatInt(id, 10)
}

// ParseClaimKey извлекает ID клейма из ключа инвалидации
func ParseClaimKey(key string) (int64, error) {
	if !strings.HasPrefix(key, claimKeyPrefix) {
		return 0, fmt.Errorf("not a claim key: %q", key)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, claimKeyPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid claim key %q", key)
	}
	return id, nil
}
