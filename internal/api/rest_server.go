package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/metrics"
	"github.com/annel0/mmo-territory/internal/middleware"
	"github.com/annel0/mmo-territory/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer представляет REST API сервиса территорий
type RestServer struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     *engine.Engine
	auth       *auth.Authenticator
	workers    *worker.Pool
	bus        eventbus.EventBus
	system     *metrics.System
	jobs       *jobRegistry
	webhooks   *WebhookManager
	port       int
	log        *logging.Logger
}

// Config содержит зависимости REST сервера
type Config struct {
	Port          int
	Engine        *engine.Engine
	Authenticator *auth.Authenticator
	// Workers выполняет массовые передачи в фоне; nil - синхронно
	Workers *worker.Pool
	// Bus источник событий для исходящих webhook'ов; nil - webhook'и выключены
	Bus eventbus.EventBus
	// Registry регистрирует HTTP метрики; nil - prometheus.DefaultRegisterer
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
	NodeID   string
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) (*RestServer, error) {
	if config.Engine == nil || config.Authenticator == nil {
		return nil, errors.New("api: engine and authenticator are required")
	}
	if config.Port <= 0 {
		config.Port = 8088
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware("territory_api"))
	router.Use(middleware.NewRequestLogger(nil).Handler())

	promMw, err := middleware.NewPrometheusMiddleware("territory_api", config.Registry)
	if err != nil {
		return nil, fmt.Errorf("api: prometheus middleware: %w", err)
	}
	router.Use(promMw.Handler())
	middleware.RegisterMetricsEndpoint(router, config.Gatherer)

	rs := &RestServer{
		router:  router,
		engine:  config.Engine,
		auth:    config.Authenticator,
		workers: config.Workers,
		bus:     config.Bus,
		system:  metrics.NewSystem(),
		jobs:    newJobRegistry(),
		port:    config.Port,
		log:     logging.GetAPILogger(),
	}
	if config.Bus != nil {
		rs.webhooks = NewWebhookManager(config.NodeID, nil)
		if err := rs.webhooks.Attach(context.Background(), config.Bus); err != nil {
			return nil, fmt.Errorf("api: attach webhooks: %w", err)
		}
	}

	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	api := rs.router.Group("/api")

	// Эндпоинт для аутентификации (без JWT защиты)
	api.POST("/auth/login", rs.handleLogin)

	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.POST("/cells/claim", rs.handleClaim)
		protected.GET("/cells/:world/:x/:z", rs.handleCell)

		claims := protected.Group("/claims/:id")
		{
			claims.GET("", rs.handleGetClaim)
			claims.DELETE("", rs.handleDeleteClaim)
			claims.GET("/region", rs.handleRegion)
			claims.POST("/unclaim", rs.handleUnclaim)
			claims.POST("/reassign", rs.handleReassign)
			claims.POST("/transfer", rs.handleTransfer)
			claims.POST("/allocate", rs.handleAllocate)
			claims.POST("/purchase", rs.handlePurchaseClaimCells)
			claims.POST("/teleport", rs.handleTeleport)

			claims.POST("/groups/migrate", rs.handleMigrateGroups)
			claims.POST("/groups", rs.handleCreateGroup)
			claims.PUT("/groups/:name", rs.handleRenameGroup)
			claims.DELETE("/groups/:name", rs.handleDeleteGroup)
			claims.PUT("/groups/:name/permissions", rs.handleGroupPermissions)
			claims.POST("/members", rs.handleAddMember)
			claims.PUT("/members/:player", rs.handleSetMemberGroup)
			claims.DELETE("/members/:player", rs.handleRemoveMember)
			claims.POST("/members/:player/promote", rs.handlePromote)
			claims.POST("/members/:player/demote", rs.handleDemote)
		}

		protected.GET("/players/:player/claims", rs.handlePlayerClaims)
		protected.GET("/pool", rs.handlePool)
		protected.POST("/pool/purchase", rs.handlePurchaseChunks)
		protected.GET("/jobs/:id", rs.handleJob)
		protected.GET("/stats", rs.handleStats)

		admin := protected.Group("/admin")
		admin.Use(rs.adminMiddleware())
		{
			admin.GET("/consistency", rs.handleConsistency)

			admin.GET("/webhooks", rs.handleGetWebhooks)
			admin.POST("/webhooks", rs.handleCreateWebhook)
			admin.GET("/webhooks/events", rs.handleGetWebhookEventTypes)
			admin.GET("/webhooks/:id", rs.handleGetWebhook)
			admin.PUT("/webhooks/:id", rs.handleUpdateWebhook)
			admin.DELETE("/webhooks/:id", rs.handleDeleteWebhook)
			admin.POST("/webhooks/:id/test", rs.handleTestWebhook)
		}
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Router возвращает gin роутер (для тестов и встраивания)
func (rs *RestServer) Router() *gin.Engine { return rs.router }

// handleLogin выдаёт токен сервисному аккаунту от имени игрока
func (rs *RestServer) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	resp, err := rs.auth.Login(c.Request.Context(), req)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, GenericResponse{Success: false, Message: "Неверный аккаунт или пароль"})
		return
	case errors.Is(err, auth.ErrAdminNotAllowed):
		c.JSON(http.StatusForbidden, GenericResponse{Success: false, Message: "Аккаунт не может выдавать админские токены"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: "Ошибка генерации токена"})
		return
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Успешная авторизация",
		Data:    resp,
	})
}

// handleStats возвращает статистику сервиса
func (rs *RestServer) handleStats(c *gin.Context) {
	claims, cells := rs.engine.Stats()
	stats := map[string]interface{}{
		"server": rs.system.Snapshot(),
		"territory": gin.H{
			"claims": claims,
			"cells":  cells,
		},
		"server_time": time.Now().Unix(),
	}
	if rs.workers != nil {
		stats["workers"] = rs.workers.Stats()
	}
	if rs.bus != nil {
		stats["eventbus"] = rs.bus.Metrics()
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

// handleConsistency проверяет согласованность индекса и хранилища
func (rs *RestServer) handleConsistency(c *gin.Context) {
	errs := rs.engine.VerifyConsistency(c.Request.Context())
	problems := make([]string, 0, len(errs))
	for _, err := range errs {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		rs.log.Warn("⚠️ Найдено расхождений индекса: %d", len(problems))
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: len(problems) == 0,
		Message: fmt.Sprintf("Расхождений: %d", len(problems)),
		Data:    gin.H{"problems": problems},
	})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Start запускает REST сервер в отдельной горутине
func (rs *RestServer) Start() error {
	rs.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", rs.port),
		Handler:           rs.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := rs.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rs.log.Error("❌ Ошибка REST API сервера: %v", err)
		}
	}()

	rs.log.Info("✅ REST API сервер запущен на http://localhost:%d", rs.port)
	return nil
}

// Stop останавливает REST сервер и доставку webhook'ов
func (rs *RestServer) Stop(ctx context.Context) error {
	rs.log.Info("🛑 Остановка REST API сервера...")
	var err error
	if rs.httpServer != nil {
		err = rs.httpServer.Shutdown(ctx)
	}
	if rs.webhooks != nil {
		rs.webhooks.Close()
	}
	return err
}
