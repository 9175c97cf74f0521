package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/config"
	"github.com/dotkom/vengeful-vineyard/internal/httpapi"
	"github.com/dotkom/vengeful-vineyard/internal/obs"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
	"github.com/dotkom/vengeful-vineyard/internal/privilege"
	"github.com/dotkom/vengeful-vineyard/internal/reconcile"
	"github.com/dotkom/vengeful-vineyard/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.RequireDSN(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// A cyclic catalogue is a configuration error; refuse to start.
	catalog, err := privilege.LoadCatalog(cfg.PrivilegesFile)
	if err != nil {
		log.Fatalf("privileges: %v", err)
	}
	graph, err := catalog.Graph()
	if err != nil {
		var cyc *privilege.GraphCycleError
		if errors.As(err, &cyc) {
			log.Fatalf("privileges: cycle %v", cyc.Path)
		}
		log.Fatalf("privileges: %v", err)
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	client := ow.NewClient(
		ow.WithBaseURL(cfg.OWBaseURL),
		ow.WithProfileURL(cfg.OWProfileURL),
		ow.WithHTTPClient(&http.Client{Timeout: cfg.OWTimeout}),
		ow.WithRateLimit(cfg.OWRatePerSec, int(cfg.OWRatePerSec)+1),
		ow.WithDenylist(cfg.GroupDenylist...),
		ow.WithGroupTypes(cfg.OWGroupTypes...),
	)

	bindings, err := auth.NewCredentialBinding(cfg.BindingCapacity, auth.WithBindingTTL(cfg.BindingTTL))
	if err != nil {
		log.Fatalf("bindings: %v", err)
	}
	resolver, err := auth.NewResolver(bindings, store, client)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	guard, err := auth.NewGuard(graph, store, store)
	if err != nil {
		log.Fatalf("guard: %v", err)
	}
	engine, err := reconcile.NewEngine(client, store, reconcile.NewRoleMapper(catalog.Roles),
		reconcile.WithConcurrency(cfg.SyncConcurrency),
		reconcile.WithJoinTimeout(cfg.SyncTimeout),
		reconcile.WithTaskTimeout(cfg.SyncTaskTimeout),
	)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}

	apiOpts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithReadyProbe(store),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
	}
	if len(cfg.CORSOrigins) > 0 {
		apiOpts = append(apiOpts, httpapi.WithCORSOrigins(cfg.CORSOrigins...))
	}
	api, err := httpapi.New(resolver, guard, engine, store, apiOpts...)
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			obs.SetCredentialBindings(bindings.Len())
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("server started", map[string]any{"addr": srv.Addr, "version": version})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = store.Close()
	obs.Info("stopped", nil)
}
