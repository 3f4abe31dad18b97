package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/internal/auth"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/handler"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/push"
	"github.com/chatrelay/internal/repository"
	memoryrepo "github.com/chatrelay/internal/repository/memory"
	"github.com/chatrelay/internal/repository/mongodb"
	"github.com/chatrelay/internal/repository/pg"
	"github.com/chatrelay/internal/service"
	"github.com/chatrelay/internal/startup"
	"github.com/chatrelay/internal/storage"
	memorystorage "github.com/chatrelay/internal/storage/memory"
	"github.com/chatrelay/internal/ws"
	"github.com/chatrelay/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if *dev && cfg.StoreBackend == config.BackendPostgres {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	store, closeStore := openStore(cfg)
	defer closeStore()
	if *migrate {
		return
	}

	var kv storage.Store
	if cfg.Redis.URL != "" {
		kv = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
	} else {
		logger.Info("REDIS_URL not set: token deny-list, login limits and push subscriptions kept in memory")
		kv = memorystorage.New()
	}
	defer kv.Close()

	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.TTL, store, kv)
	accounts := auth.NewAccounts(store, verifier, kv, cfg.LoginMaxAttempts, cfg.LoginWindow)

	manager := ws.NewManager(ws.Options{
		MaxConnections:   cfg.WS.MaxConnections,
		SendBufferSize:   cfg.WS.SendBufferSize,
		WriteTimeout:     cfg.WS.WriteTimeout,
		IdleTimeout:      cfg.WS.IdleTimeout,
		MaxMessageSize:   cfg.WS.MaxMessageSize,
		IntentsPerSecond: cfg.WS.IntentsPerSecond,
	}, verifier, store, store)

	sender := push.NewSender(kv, loadVAPIDKeys(cfg), cfg.Push.Subscriber)
	if !sender.Enabled() {
		logger.Info("VAPID keys unavailable: push notifications disabled (subscriptions are still stored)")
	}

	registry := service.NewRegistry(store, manager)
	messages := service.NewMessages(store, cfg.MaxAttachmentSize)
	delivery := service.NewDelivery(store, messages, manager, sender)
	manager.SetHandler(delivery)

	managerCtx, managerCancel := context.WithCancel(context.Background())
	var managerWg sync.WaitGroup
	managerWg.Add(1)
	go func() {
		defer managerWg.Done()
		manager.Run(managerCtx)
	}()

	r := handler.NewRouter(handler.Deps{
		Config:         cfg,
		Accounts:       accounts,
		Verifier:       verifier,
		Users:          store,
		Registry:       registry,
		Messages:       messages,
		Delivery:       delivery,
		Manager:        manager,
		KV:             kv,
		VAPIDPublicKey: sender.PublicKey(),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s (store=%s)", cfg.ServerAddr, cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hijacked WebSocket-соединения Shutdown не закрывает: это делает Manager при отмене контекста.
	managerCancel()
	managerWg.Wait()
	logger.Info("connection manager stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
	if lost := logger.Flush(2 * time.Second); lost > 0 {
		fmt.Fprintf(os.Stderr, "logger: %d lines dropped (buffer full)\n", lost)
	}
}

// openStore подключает хранилище чатов по store_backend. Второе значение закрывает подключение.
func openStore(cfg *config.Config) (repository.Store, func()) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Info("store backend: memory (data is lost on restart)")
		s := memoryrepo.New()
		return s, func() { s.Close() }

	case config.BackendMongo:
		client := startup.ConnectMongoWithRetry(cfg.Mongo.URI, 60*time.Second, "")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := mongodb.New(ctx, client, cfg.Mongo.Database)
		if err != nil {
			logger.Errorf("mongo indexes: %v", err)
			os.Exit(1)
		}
		logger.Infof("store backend: mongo (database=%s)", cfg.Mongo.Database)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Errorf("mongo disconnect: %v", err)
			}
		}

	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4
		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		// После рестарта живых соединений нет.
		if _, err := pool.Exec(ctx, "UPDATE users SET is_online = false WHERE is_online"); err != nil {
			logger.Errorf("reset online status: %v", err)
		}
		logger.Info("database connected, migrations applied")
		return pg.New(pool), pool.Close
	}
}

func loadVAPIDKeys(cfg *config.Config) *push.VAPIDKeys {
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		return &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	}
	keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("VAPID: не удалось загрузить/сгенерировать ключи: %v", err)
		return nil
	}
	return keys
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatrelay"
		password = "chatrelay_secret"
		database = "chatrelay"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
