package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSInvalidator реализует Invalidator поверх NATS Pub/Sub.
// Узлы, держащие индекс территорий, перечитывают изменённые клеймы
// из хранилища по этим уведомлениям.
//
// Особенности:
// - автоматическое переподключение
// - собственные сообщения узла игнорируются
// - повторная доставка одного сообщения отбрасывается по ID
type NATSInvalidator struct {
	conn    *nats.Conn
	config  *InvalidatorConfig
	subject string
	nodeID  string

	subscription *nats.Subscription
	handler      InvalidationHandler
	subMu        sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Дедупликация по ID сообщения
	recent    map[string]time.Time
	recentMux sync.Mutex

	publishedCount int64
	receivedCount  int64
	errorsCount    int64
}

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL        string        `yaml:"nats_url"`
	Subject        string        `yaml:"subject"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// InvalidationMessage сообщение об изменении клейма
type InvalidationMessage struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Reason    string    `json:"reason,omitempty"`
}

// NewNATSInvalidator подключается к NATS.
//
// Параметры:
//
//	config - конфигурация NATS соединения
//	nodeID - уникальный идентификатор узла
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	if config.Subject == "" {
		config.Subject = "territory.invalidation"
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 10
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.DedupeWindow == 0 {
		config.DedupeWindow = 30 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("territory-" + nodeID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(config.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	inv := &NATSInvalidator{
		conn:    conn,
		config:  config,
		subject: config.Subject,
		nodeID:  nodeID,
		stopCh:  make(chan struct{}),
		recent:  make(map[string]time.Time),
	}
	inv.startDedupeCleanup()

	logging.Info("NATS invalidator initialized: %s (subject: %s, node: %s)", config.NATSURL, config.Subject, nodeID)
	return inv, nil
}

// PublishInvalidation отправляет уведомление. Публикация не дедуплицируется:
// каждое изменение клейма должно дойти до других узлов.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, key, reason string) error {
	msg := &InvalidationMessage{
		ID:        uuid.NewString(),
		Key:       key,
		Timestamp: time.Now(),
		NodeID:    n.nodeID,
		Reason:    reason,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Failed to publish invalidation for key %s: %v", key, err)
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.PublishTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		logging.Warn("NATS flush after invalidation of %s failed: %v", key, err)
	}

	atomic.AddInt64(&n.publishedCount, 1)
	logging.Debug("Published invalidation for key: %s (%s)", key, reason)
	return nil
}

// SubscribeInvalidations подписывается на уведомления других узлов
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	if n.subscription != nil {
		return fmt.Errorf("already subscribed to invalidations")
	}
	n.handler = handler

	sub, err := n.conn.Subscribe(n.subject, n.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	n.subscription = sub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		n.unsubscribe()
	}()

	logging.Info("Subscribed to territory invalidations on subject: %s", n.subject)
	return nil
}

// Close закрывает соединение с NATS
func (n *NATSInvalidator) Close() error {
	close(n.stopCh)
	n.wg.Wait()
	n.unsubscribe()
	n.conn.Close()
	logging.Info("NATS invalidator closed")
	return nil
}

// GetMetrics возвращает счётчики
func (n *NATSInvalidator) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"published_count": atomic.LoadInt64(&n.publishedCount),
		"received_count":  atomic.LoadInt64(&n.receivedCount),
		"errors_count":    atomic.LoadInt64(&n.errorsCount),
		"connected":       n.conn.IsConnected(),
	}
}

func (n *NATSInvalidator) handleMessage(msg *nats.Msg) {
	atomic.AddInt64(&n.receivedCount, 1)

	var inv InvalidationMessage
	if err := json.Unmarshal(msg.Data, &inv); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Failed to unmarshal invalidation message: %v", err)
		return
	}

	if inv.NodeID == n.nodeID {
		return
	}
	if n.seen(inv.ID) {
		logging.Debug("Ignoring duplicate invalidation %s for key: %s", inv.ID, inv.Key)
		return
	}

	if n.handler == nil {
		return
	}
	if err := n.handler(inv.Key); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Invalidation handler failed for key %s: %v", inv.Key, err)
		return
	}
	logging.Debug("Processed invalidation for key: %s from node %s", inv.Key, inv.NodeID)
}

// seen отмечает ID и сообщает, встречался ли он в окне дедупликации
func (n *NATSInvalidator) seen(id string) bool {
	if id == "" {
		return false
	}
	n.recentMux.Lock()
	defer n.recentMux.Unlock()
	if at, ok := n.recent[id]; ok && time.Since(at) < n.config.DedupeWindow {
		return true
	}
	n.recent[id] = time.Now()
	return false
}

func (n *NATSInvalidator) unsubscribe() {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if n.subscription == nil {
		return
	}
	if err := n.subscription.Unsubscribe(); err != nil {
		logging.Error("Failed to unsubscribe from invalidations: %v", err)
	} else {
		logging.Info("Unsubscribed from territory invalidations")
	}
	n.subscription = nil
}

func (n *NATSInvalidator) startDedupeCleanup() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.config.DedupeWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.cleanupDedupe()
			case <-n.stopCh:
				return
			}
		}
	}()
}

func (n *NATSInvalidator) cleanupDedupe() {
	n.recentMux.Lock()
	defer n.recentMux.Unlock()
	now := time.Now()
	for id, at := range n.recent {
		if now.Sub(at) > n.config.DedupeWindow {
			delete(n.recent, id)
		}
	}
}
