package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/cache"
	"github.com/otcheredev/ris-dicom-qr/internal/config"
	"github.com/otcheredev/ris-dicom-qr/internal/database"
	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/handlers"
	"github.com/otcheredev/ris-dicom-qr/internal/importer"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/notify"
	"github.com/otcheredev/ris-dicom-qr/internal/repository"
	"github.com/otcheredev/ris-dicom-qr/internal/services"
	"github.com/otcheredev/ris-dicom-qr/internal/storage"
	"github.com/otcheredev/ris-dicom-qr/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	closeLog, err := logger.InitWithFile(cfg.Log.Level, cfg.Log.Format, logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open log file")
	}
	defer closeLog()
	log.Info().Str("ae_title", cfg.DICOM.AETitle).Int("store_port", cfg.DICOM.Port).Msg("Starting DICOM Query/Retrieve service")

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled && cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		cacheImpl, err = cache.NewRedisCache(cache.RedisOptions{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis cache initialized")
	} else {
		// The storage layout always needs somewhere to remember directories.
		cacheImpl = cache.NewMemoryCache()
		log.Info().Msg("Memory cache initialized")
	}
	defer cacheImpl.Close()

	tlsConfig, err := cfg.DICOM.TLSConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load DICOM TLS configuration")
	}

	opts := services.Options{
		Engine: engine.Options{
			Local: models.LocalIdentity{
				AETitle: cfg.DICOM.AETitle,
				Port:    cfg.DICOM.Port,
				Secure:  cfg.DICOM.Secure,
			},
			TLSConfig:         tlsConfig,
			MaxPDULength:      cfg.DICOM.MaxPDULength,
			ConnectTimeout:    cfg.DICOM.ConnectTimeout,
			ACSETimeout:       cfg.DICOM.ACSETimeout,
			DIMSETimeout:      cfg.DICOM.DIMSETimeout,
			MoveTimeout:       cfg.DICOM.MoveTimeout,
			PollInterval:      cfg.DICOM.PollInterval,
			CancelGrace:       cfg.DICOM.CancelGrace,
			StoreDrainTimeout: cfg.DICOM.StoreDrainTimeout,
		},
		ResultLimit: cfg.DICOM.ResultLimit,
	}

	if cfg.Import.Enabled {
		opts.Importer = importer.NewDicomImporter()
		opts.ImportOptions = importer.ImportOptions{
			Recursive:          cfg.Import.Recursive,
			RequireOriginal:    cfg.Import.RequireOriginal,
			ExcludeLocalizer:   cfg.Import.ExcludeLocalizer,
			ExcludePreContrast: cfg.Import.ExcludePreContrast,
		}
	}

	if cfg.Notify.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify.AMQPURL, cfg.Notify.Queue)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		opts.Notifier = amqpNotifier
		log.Info().Str("queue", cfg.Notify.Queue).Msg("RabbitMQ notifier initialized")
	} else {
		opts.Notifier = notify.NewLogNotifier(logger.Component("notify"))
	}

	// Initialize services
	layout := storage.NewLayout(cfg.DICOM.StorageRoot, cacheImpl)
	pacsService := services.NewPACSService(repository.NewPACSRepository(), repository.NewAuditRepository(), layout, opts)
	defer pacsService.Close()

	// Setup router
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		Metrics:        cfg.Metrics.Enabled,
	}, handlers.NewHealthHandler(), handlers.NewManagementHandler(pacsService), handlers.NewQRHandler(pacsService))

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
