package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/rossigee/ec2-volume-provisioner/internal/api"
	"github.com/rossigee/ec2-volume-provisioner/internal/archive"
	"github.com/rossigee/ec2-volume-provisioner/internal/auth"
	"github.com/rossigee/ec2-volume-provisioner/internal/cloud"
	"github.com/rossigee/ec2-volume-provisioner/internal/config"
	"github.com/rossigee/ec2-volume-provisioner/internal/jobs"
	"github.com/rossigee/ec2-volume-provisioner/internal/metrics"
	"github.com/rossigee/ec2-volume-provisioner/internal/provisioner"
	"github.com/rossigee/ec2-volume-provisioner/internal/storage"
)

const (
	cleanupInterval = 10 * time.Minute
	jobRetention    = 7 * 24 * time.Hour
)

func serveAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	client, err := cloud.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize EC2 client: %w", err)
	}
	p := provisioner.New(client, provisioner.Options{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
	})

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize job storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close job storage")
		}
	}()

	if marked, err := store.MarkInProgressJobsFailed(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to mark interrupted jobs")
	} else if marked > 0 {
		logrus.WithField("count", marked).Warn("Marked interrupted jobs as failed")
	}

	opts := []jobs.Option{jobs.WithStore(store)}
	if cfg.ArchiveEndpoint != "" {
		archiver, err := newArchiver(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, jobs.WithArchiver(archiver))
	}
	jobManager := jobs.NewManager(p, opts...)

	if err := metrics.RegisterActiveJobs(jobManager.GetActiveJobs); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	authValidator, err := auth.NewValidator(cfg.ClientCACert, cfg.APITokensFile)
	if err != nil {
		return fmt.Errorf("failed to initialize auth validator: %w", err)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	api.Version = version
	api.SetupRoutes(router, api.NewHandler(jobManager), authValidator.Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		tlsConfig, err := authValidator.TLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	} else if authValidator.IsClientCALoaded() {
		logrus.Warn("CLIENT_CA_CERT is set without TLS_CERT_FILE and TLS_KEY_FILE; client certificates will not be checked")
	}

	go runCleanup(ctx, jobManager, store)

	serveErr := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":      srv.Addr,
			"tls":       useTLS,
			"client_ca": authValidator.IsClientCALoaded(),
		}).Info("Starting ec2-volume-provisioner server")
		if useTLS {
			serveErr <- srv.ListenAndServeTLS("", "")
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logrus.Info("Server exited")
	return nil
}

func newArchiver(ctx context.Context, cfg config.Config) (*archive.Client, error) {
	archiver, err := archive.NewClient(cfg.ArchiveEndpoint, cfg.ArchiveAccess, cfg.ArchiveSecret, cfg.ArchiveBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize result archive: %w", err)
	}
	if err := archiver.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return archiver, nil
}

// runCleanup prunes finished jobs from memory and old records from the store
func runCleanup(ctx context.Context, m *jobs.Manager, store *storage.Store) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := m.CleanupCompletedJobs()
			deleted, err := store.DeleteOldJobs(ctx, jobRetention)
			if err != nil {
				logrus.WithError(err).Warn("Failed to delete old job records")
			}
			if removed > 0 || deleted > 0 {
				logrus.WithFields(logrus.Fields{
					"in_memory": removed,
					"stored":    deleted,
				}).Debug("Cleaned up finished jobs")
			}
		}
	}
}
