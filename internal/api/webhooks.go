package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/gin-gonic/gin"
)

// TestEventType событие ручной проверки webhook'а
const TestEventType = "webhook.test"

// OutboundWebhook представляет исходящий webhook
type OutboundWebhook struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
	// Events типы событий территорий; "*" - все
	Events       []string   `json:"events"`
	Active       bool       `json:"active"`
	Timeout      int        `json:"timeout"` // Таймаут в секундах
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	FailureCount int        `json:"failure_count"`
}

// WebhookUpdate частичное обновление; nil поля не меняются
type WebhookUpdate struct {
	Name       *string  `json:"name"`
	URL        *string  `json:"url"`
	Secret     *string  `json:"secret"`
	Events     []string `json:"events"`
	Active     *bool    `json:"active"`
	Timeout    *int     `json:"timeout"`
	RetryCount *int     `json:"retry_count"`
}

// OutboundWebhookEvent тело запроса к webhook'у
type OutboundWebhookEvent struct {
	EventID   string                  `json:"event_id"`
	EventType string                  `json:"event_type"`
	Timestamp int64                   `json:"timestamp"`
	ServerID  string                  `json:"server_id"`
	Source    string                  `json:"source"`
	Data      eventbus.TerritoryEvent `json:"data"`
	Extra     map[string]interface{}  `json:"extra,omitempty"`
}

// WebhookManager пересылает события шины на внешние URL
type WebhookManager struct {
	webhooks   map[uint64]*OutboundWebhook
	eventQueue chan OutboundWebhookEvent
	mu         sync.RWMutex
	nextID     uint64
	httpClient *http.Client
	serverID   string
	sub        eventbus.Subscription
	wg         sync.WaitGroup
	closed     bool
	closeOnce  sync.Once
	retryDelay time.Duration
	log        *logging.Logger
}

// NewWebhookManager создает менеджер; client nil - клиент с таймаутом 30с
func NewWebhookManager(serverID string, client *http.Client) *WebhookManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	m := &WebhookManager{
		webhooks:   make(map[uint64]*OutboundWebhook),
		eventQueue: make(chan OutboundWebhookEvent, 1000),
		nextID:     1,
		httpClient: client,
		serverID:   serverID,
		retryDelay: time.Second,
		log:        logging.GetAPILogger(),
	}

	m.wg.Add(1)
	go m.eventWorker()
	return m
}

// Attach подписывает менеджер на все события территорий
func (m *WebhookManager) Attach(ctx context.Context, bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, func(_ context.Context, env *eventbus.Envelope) {
		ev, err := env.Decode()
		if err != nil {
			m.log.Warn("⚠️ Событие %s не распаковано для webhook'ов: %v", env.ID, err)
			return
		}
		m.enqueue(OutboundWebhookEvent{
			EventID:   env.ID,
			EventType: env.EventType,
			Timestamp: env.Timestamp.Unix(),
			ServerID:  m.serverID,
			Source:    env.Source,
			Data:      ev,
		})
	})
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

// AddWebhook добавляет новый webhook
func (m *WebhookManager) AddWebhook(webhook OutboundWebhook) *OutboundWebhook {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook.ID = m.nextID
	m.nextID++
	webhook.CreatedAt = time.Now()
	webhook.Active = true
	webhook.LastUsed = nil
	webhook.FailureCount = 0
	if webhook.Timeout <= 0 {
		webhook.Timeout = 30
	}
	if webhook.RetryCount < 0 {
		webhook.RetryCount = 0
	}

	m.webhooks[webhook.ID] = &webhook
	cp := webhook
	return &cp
}

// GetWebhooks возвращает список всех webhook'ов по возрастанию ID
func (m *WebhookManager) GetWebhooks() []OutboundWebhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhooks := make([]OutboundWebhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		webhooks = append(webhooks, *w)
	}
	sort.Slice(webhooks, func(i, j int) bool { return webhooks[i].ID < webhooks[j].ID })
	return webhooks
}

// GetWebhook возвращает копию webhook'а по ID
func (m *WebhookManager) GetWebhook(id uint64) (OutboundWebhook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.webhooks[id]
	if !exists {
		return OutboundWebhook{}, false
	}
	return *w, true
}

// UpdateWebhook применяет частичное обновление
func (m *WebhookManager) UpdateWebhook(id uint64, u WebhookUpdate) (OutboundWebhook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, exists := m.webhooks[id]
	if !exists {
		return OutboundWebhook{}, false
	}
	if u.Name != nil {
		w.Name = *u.Name
	}
	if u.URL != nil {
		w.URL = *u.URL
	}
	if u.Secret != nil {
		w.Secret = *u.Secret
	}
	if len(u.Events) > 0 {
		w.Events = u.Events
	}
	if u.Active != nil {
		w.Active = *u.Active
	}
	if u.Timeout != nil && *u.Timeout > 0 {
		w.Timeout = *u.Timeout
	}
	if u.RetryCount != nil && *u.RetryCount >= 0 {
		w.RetryCount = *u.RetryCount
	}
	return *w, true
}

// DeleteWebhook удаляет webhook
func (m *WebhookManager) DeleteWebhook(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.webhooks[id]; !exists {
		return false
	}
	delete(m.webhooks, id)
	return true
}

// SendTest отправляет тестовое событие одному webhook'у
func (m *WebhookManager) SendTest(id uint64) bool {
	m.mu.RLock()
	w, exists := m.webhooks[id]
	m.mu.RUnlock()
	if !exists {
		return false
	}

	ev := OutboundWebhookEvent{
		EventType: TestEventType,
		Timestamp: time.Now().Unix(),
		ServerID:  m.serverID,
		Source:    m.serverID,
		Extra:     map[string]interface{}{"webhook_id": id},
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sendToWebhook(w, ev)
	}()
	return true
}

// enqueue ставит событие в очередь доставки без блокировки шины
func (m *WebhookManager) enqueue(ev OutboundWebhookEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	hasTargets := false
	for _, w := range m.webhooks {
		if w.Active && isSubscribed(w, ev.EventType) {
			hasTargets = true
			break
		}
	}
	if !hasTargets {
		return
	}

	select {
	case m.eventQueue <- ev:
		m.log.Trace("📤 Событие %s добавлено в очередь webhook'ов", ev.EventType)
	default:
		m.log.Warn("⚠️ Очередь webhook'ов переполнена, событие %s пропущено", ev.EventType)
	}
}

// eventWorker обрабатывает события из очереди
func (m *WebhookManager) eventWorker() {
	defer m.wg.Done()
	for ev := range m.eventQueue {
		m.processEvent(ev)
	}
}

// processEvent рассылает событие подписанным webhook'ам
func (m *WebhookManager) processEvent(ev OutboundWebhookEvent) {
	m.mu.RLock()
	targets := make([]*OutboundWebhook, 0)
	for _, w := range m.webhooks {
		if w.Active && isSubscribed(w, ev.EventType) {
			targets = append(targets, w)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range targets {
		wg.Add(1)
		go func(w *OutboundWebhook) {
			defer wg.Done()
			m.sendToWebhook(w, ev)
		}(w)
	}
	wg.Wait()
}

func isSubscribed(w *OutboundWebhook, eventType string) bool {
	for _, subscribed := range w.Events {
		if subscribed == eventType || subscribed == "*" {
			return true
		}
	}
	return false
}

// sendToWebhook доставляет событие с повторами
func (m *WebhookManager) sendToWebhook(w *OutboundWebhook, ev OutboundWebhookEvent) {
	m.mu.RLock()
	name, url, secret := w.Name, w.URL, w.Secret
	timeout := time.Duration(w.Timeout) * time.Second
	retries := w.RetryCount
	m.mu.RUnlock()

	body, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("❌ Ошибка маршалинга события для webhook %s: %v", name, err)
		return
	}

	success := false
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * m.retryDelay)
		}
		status, err := m.post(url, secret, body, ev, timeout)
		if err != nil {
			m.log.Warn("⚠️ Попытка %d/%d для webhook %s: %v", attempt+1, retries+1, name, err)
			continue
		}
		if status >= 200 && status < 300 {
			success = true
			m.log.Debug("✅ Событие %s отправлено в webhook %s", ev.EventType, name)
			break
		}
		m.log.Warn("⚠️ Webhook %s вернул статус %d на попытке %d", name, status, attempt+1)
	}

	m.mu.Lock()
	now := time.Now()
	w.LastUsed = &now
	if !success {
		w.FailureCount++
	}
	m.mu.Unlock()
}

func (m *WebhookManager) post(url, secret string, body []byte, ev OutboundWebhookEvent, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MMO-Territory/1.0")
	req.Header.Set("X-Event-Type", ev.EventType)
	req.Header.Set("X-Event-ID", ev.EventID)
	req.Header.Set("X-Server-ID", ev.ServerID)
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Signature(body, secret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Signature HMAC-SHA256 подпись тела в формате "sha256=<hex>"
func Signature(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// EventTypes типы событий, на которые можно подписаться
func (m *WebhookManager) EventTypes() []string {
	return append(append([]string{}, eventbus.AllTypes...), TestEventType)
}

// Close отписывается от шины и дожидается доставки очереди
func (m *WebhookManager) Close() {
	m.closeOnce.Do(func() {
		if m.sub != nil {
			m.sub.Unsubscribe()
		}
		m.mu.Lock()
		m.closed = true
		close(m.eventQueue)
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// === ОБРАБОТЧИКИ ИСХОДЯЩИХ WEBHOOK'ОВ ===

func (rs *RestServer) webhooksOrAbort(c *gin.Context) (*WebhookManager, bool) {
	if rs.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Шина событий не подключена",
		})
		return nil, false
	}
	return rs.webhooks, true
}

func webhookIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Неверный ID webhook'а")
		return 0, false
	}
	return id, true
}

// handleGetWebhooks возвращает список исходящих webhook'ов
func (rs *RestServer) handleGetWebhooks(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	webhooks := m.GetWebhooks()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список webhook'ов получен",
		Data:    gin.H{"webhooks": webhooks, "total": len(webhooks)},
	})
}

// handleCreateWebhook создает новый исходящий webhook
func (rs *RestServer) handleCreateWebhook(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	var webhook OutboundWebhook
	if err := c.ShouldBindJSON(&webhook); err != nil {
		badRequest(c, "Неверный формат webhook'а: "+err.Error())
		return
	}
	if webhook.Name == "" || webhook.URL == "" || len(webhook.Events) == 0 {
		badRequest(c, "Обязательные поля: name, url, events")
		return
	}

	created := m.AddWebhook(webhook)
	rs.log.Info("🔗 Создан webhook %d (%s) на %v", created.ID, created.Name, created.Events)
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Webhook создан успешно",
		Data:    created,
	})
}

// handleGetWebhook возвращает webhook по ID
func (rs *RestServer) handleGetWebhook(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	webhook, found := m.GetWebhook(id)
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook найден", Data: webhook})
}

// handleUpdateWebhook обновляет webhook
func (rs *RestServer) handleUpdateWebhook(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	var update WebhookUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, "Неверный формат обновлений: "+err.Error())
		return
	}
	webhook, found := m.UpdateWebhook(id, update)
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook обновлен успешно", Data: webhook})
}

// handleDeleteWebhook удаляет webhook
func (rs *RestServer) handleDeleteWebhook(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	if !m.DeleteWebhook(id) {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook удален успешно"})
}

// handleTestWebhook отправляет тестовое событие
func (rs *RestServer) handleTestWebhook(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	if !m.SendTest(id) {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Тестовое событие отправлено",
		Data:    gin.H{"webhook_id": id, "sent_at": time.Now().Unix()},
	})
}

// handleGetWebhookEventTypes возвращает доступные типы событий
func (rs *RestServer) handleGetWebhookEventTypes(c *gin.Context) {
	m, ok := rs.webhooksOrAbort(c)
	if !ok {
		return
	}
	types := m.EventTypes()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Типы событий получены",
		Data:    gin.H{"event_types": types, "total": len(types)},
	})
}
