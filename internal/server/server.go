package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/idempotency"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(requestLogger(p.Log.Named("http"), p.ObsMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	db        *gorm.DB
	genID     *snowflake.Node
	ledgerSvc ledgerdomain.Service
	reconSvc  recdomain.Service
	sagaSvc   sagadomain.Orchestrator
	auditSvc  auditdomain.Service
	idem      *idempotency.Cache
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	DB        *gorm.DB
	GenID     *snowflake.Node
	LedgerSvc ledgerdomain.Service
	ReconSvc  recdomain.Service
	SagaSvc   sagadomain.Orchestrator
	AuditSvc  auditdomain.Service
	Idem      *idempotency.Cache
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		db:        p.DB,
		genID:     p.GenID,
		ledgerSvc: p.LedgerSvc,
		reconSvc:  p.ReconSvc,
		sagaSvc:   p.SagaSvc,
		auditSvc:  p.AuditSvc,
		idem:      p.Idem,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Budget Accounts --------
	api.POST("/accounts", CaptureRequestBody(), s.AllocateAccount)
	api.GET("/accounts/:id", s.GetAccount)
	api.GET("/accounts/:id/availability", s.CheckAvailability)
	api.GET("/accounts/:id/transactions", s.ListTransactions)
	api.POST("/accounts/:id/topup", s.TopUpAccount)
	api.POST("/accounts/:id/close", s.CloseAccount)

	// -------- Reservations --------
	api.POST("/reservations", CaptureRequestBody(), s.CreateReservation)
	api.GET("/reservations/:id", s.GetReservation)
	api.POST("/reservations/:id/release", s.ReleaseReservation)
	api.POST("/reservations/:id/spend", CaptureRequestBody(), s.SpendReservation)

	// -------- Purchase Orders --------
	api.POST("/orders", CaptureRequestBody(), s.RecordOrder)
	api.GET("/orders/:id", s.GetOrder)
	api.POST("/orders/:id/receipts", s.RecordReceipt)
	api.POST("/orders/:id/cancel", s.CancelOrder)
	api.GET("/orders/:id/match-results", s.ListMatchResults)

	// -------- Invoices --------
	api.POST("/invoices", CaptureRequestBody(), s.RecordInvoice)
	api.POST("/invoices/:id/match", s.MatchInvoice)

	// -------- Sagas --------
	api.GET("/sagas/:key", s.GetSaga)
	api.POST("/sagas/:key/cancel", s.CancelSaga)

	// -------- Event ingest --------
	api.POST("/events", s.IngestEvent)

	// -------- Audit --------
	api.GET("/audit-logs", s.ListAuditLogs)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
