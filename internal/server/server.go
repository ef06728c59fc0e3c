package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kevinpatel18/location-tracker/internal/archive"
	"github.com/kevinpatel18/location-tracker/internal/auth"
	"github.com/kevinpatel18/location-tracker/internal/config"
	"github.com/kevinpatel18/location-tracker/internal/db"
	"github.com/kevinpatel18/location-tracker/internal/keepalive"
	"github.com/kevinpatel18/location-tracker/internal/position"
	"github.com/kevinpatel18/location-tracker/internal/storage"
	"github.com/kevinpatel18/location-tracker/internal/stream"
	"github.com/kevinpatel18/location-tracker/internal/tracking"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Tracking *tracking.Service
}

// NewServer assembles the daemon: durable path store and keep-alive leases
// over redis (in-memory when none is configured), session archive over
// postgres (disabled when none is configured), and the session service
// around the given position source.
func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, source position.Source) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var kv db.KV
	if redisClient != nil {
		kv = db.NewRedisKV(redisClient)
	} else {
		kv = db.NewMemoryKV()
		log.Printf("server: no redis configured, path log will not survive a restart")
	}

	var q db.Querier
	if pool != nil {
		q = pool
	}
	archiveSvc := archive.NewService(q)

	var archiver tracking.Archiver
	if pool != nil {
		archiver = archiveSvc
	}

	hub := stream.NewHub(redisClient)
	store := storage.NewStore(kv, cfg.PathKey)

	// KEEPALIVE_TTL_SEC=0 turns the background machinery off entirely; the
	// session then runs in degraded mode and records the absence.
	var coord keepalive.Coordinator = keepalive.AbsentCoordinator{}
	if cfg.KeepAliveTTLSec > 0 {
		coord = keepalive.NewKVCoordinator(kv, "tracking", time.Duration(cfg.KeepAliveTTLSec)*time.Second)
	}

	trackingSvc := tracking.NewService(source, store, coord, hub, archiver, tracking.Config{
		Sensor: position.Options{
			HighAccuracy: cfg.HighAccuracy,
			Timeout:      time.Duration(cfg.FixTimeoutSec) * time.Second,
			MaxAge:       time.Duration(cfg.FixMaxAgeSec) * time.Second,
		},
		Threshold: cfg.MoveThresholdDeg,
	})

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       pool,
		Redis:    redisClient,
		Stream:   hub,
		Tracking: trackingSvc,
	}

	registerRoutes(s, archiveSvc)
	return s
}

func registerRoutes(s *Server, archiveSvc *archive.Service) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"session_state": s.Tracking.Snapshot().State,
		})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.Cfg.APIKeyHash))
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware)
	archive.RegisterRoutes(s.App.Group("/archive"), archiveSvc)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
