// Command mongosidecard is the per-node sidecar controller: it bootstraps
// and steadily reconciles one engine instance into a healthy member of its
// replica set, using an external registry for peer discovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mongosidecar/internal/apiserver"
	"mongosidecar/internal/audit"
	"mongosidecar/internal/bootstrap"
	"mongosidecar/internal/config"
	"mongosidecar/internal/engine"
	"mongosidecar/internal/hostsfile"
	"mongosidecar/internal/identity"
	"mongosidecar/internal/reconciler"
	"mongosidecar/internal/registry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	defaultDataDir  = "/data/db"
	defaultAuditLog = "/var/log/mongosidecar/audit.ndjson"
	defaultAuditKey = "/var/lib/mongosidecar/audit.key"
	shutdownTimeout = 15 * time.Second
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	auditLog, err := setupAuditLog()
	if err != nil {
		log.WithError(err).Warn("audit trail unavailable, continuing without it")
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	regClient := registry.New(cfg.RegistryBaseURL(), cfg.AppName)
	resolver := identity.NewResolver(cfg.LocalTesting(), cfg.NodePublicIP)
	hosts := hostsfile.New()
	eng := engine.New(cfg.MongoPort, cfg.RootUsername, cfg.RootPassword, cfg.ReplicaSetName)
	peers := apiserver.NewPeerClient()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator := bootstrap.New(cfg, resolver, regClient, hosts, eng, peers, auditLog)
	self, err := coordinator.Run(ctx)
	if err != nil {
		log.WithError(err).Fatal("bootstrap failed")
	}

	interval := time.Duration(cfg.ReconcileIntervalMS) * time.Millisecond
	recon := reconciler.New(self, cfg.MongoPort, cfg.ExternalAPIPort, interval, defaultDataDir, regClient, hosts, eng, peers, auditLog)

	srv := apiserver.New(self, Version, recon, auditLog)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: srv.Handler(),
	}

	go recon.Run(ctx)

	go func() {
		log.WithField("port", cfg.APIPort).Info("starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown did not complete cleanly")
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("engine connection did not close cleanly")
	}
}

func setupAuditLog() (*audit.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(defaultAuditLog), 0700); err != nil {
		return nil, err
	}
	key, err := audit.LoadOrCreateAuditKey(defaultAuditKey)
	if err != nil {
		return nil, err
	}
	return audit.NewLogger(defaultAuditLog, key)
}
