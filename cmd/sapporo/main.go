// Package main is the Run Manager's entry point: it loads configuration,
// wires every domain package together, and runs the HTTP server until an
// interrupt or termination signal asks it to shut down gracefully.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sapporo/api/openapi"
	"sapporo/internal/apiserver/server"
	"sapporo/internal/config"
	"sapporo/internal/platform/dockerping"
	"sapporo/internal/platform/logging"
	"sapporo/internal/platform/objstore"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/indexer"
	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/supervisor"
	"sapporo/internal/wes/validator"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Debug: cfg.Debug})
	slog.SetDefault(log)
	log.Info("starting sapporo run manager", "host", cfg.Host, "port", cfg.Port, "run_dir", cfg.RunDir)

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		log.Error("create run directory", "error", err)
		os.Exit(1)
	}
	store := runstore.New(cfg.RunDir)

	valCfg := validator.DefaultConfig()
	valCfg.ExecutableWorkflows = cfg.ExecutableWorkflows
	valCfg.RegisteredOnlyMode = cfg.RegisteredOnlyMode
	valCfg.RequireTypeVersion = cfg.RequireTypeVersion
	valCfg.RegisteredWorkflows = registeredWorkflows(cfg.RegisteredWorkflows)
	valCfg.SupportedTypeVersions = supportedTypeVersions(cfg.SupportedTypeVersions)
	valCfg.DefaultEngineParameters = defaultEngineParameters(cfg.DefaultEngineParameters)
	val := validator.New(valCfg)

	authn, err := auth.New(cfg.Auth, cfg.AllowInsecureIdP, cfg.Debug)
	if err != nil {
		log.Error("configure authenticator", "error", err)
		os.Exit(1)
	}

	if cfg.RunSh == "" {
		log.Error("--run-sh is required: no dispatcher script configured")
		os.Exit(1)
	}
	sv := supervisor.New(store, cfg.RunSh)

	var archiver *objstore.Archiver
	if cfg.Archive.Endpoint != "" {
		archiver, err = objstore.New(objstore.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			log.Error("configure archive target", "error", err)
			os.Exit(1)
		}
		sv.SetArchiver(archiver)
		log.Info("archival enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	if checker, err := dockerping.New(); err == nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if pingErr := checker.Ping(pingCtx); pingErr != nil {
			log.Warn("docker daemon not reachable; container-backed engines may fail at run time", "error", pingErr)
		} else {
			log.Info("docker daemon reachable")
		}
		cancel()
		defer checker.Close()
	}

	doc, err := openapi.Load()
	if err != nil {
		log.Warn("embedded openapi document failed to load; service-info will use a fallback version string", "error", err)
		doc = nil
	} else if drift := validator.CheckEngineTypeMatrix(doc); len(drift) > 0 {
		for _, d := range drift {
			log.Warn("validator engine/type matrix drifted from embedded openapi document", "detail", d)
		}
	}

	handler := server.NewHandler(server.Deps{
		Config:     cfg,
		Store:      store,
		Validator:  val,
		ValConfig:  valCfg,
		Supervisor: sv,
		Authn:      authn,
		Archiver:   archiver,
		OpenAPI:    doc,
		Log:        log,
	})

	ctx, cancelIndexer := context.WithCancel(context.Background())
	defer cancelIndexer()
	ix := indexer.New(store, cfg.SnapshotInterval, cfg.RunRemoveOlderThanDays, log, handler.Metrics())
	go ix.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // output streaming can run arbitrarily long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		cancelIndexer()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sv.Shutdown(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	log.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

// registeredWorkflows converts the --service-info overlay's registered
// workflow list into the map the Validator looks up workflow_url values
// against in registered-only mode (spec's "workflow_url MAY be a registered
// workflow_name key instead of a URL").
func registeredWorkflows(entries []config.RegisteredWorkflow) map[string]validator.RegisteredWorkflow {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]validator.RegisteredWorkflow, len(entries))
	for _, e := range entries {
		out[e.WorkflowName] = validator.RegisteredWorkflow{
			WorkflowURL:              e.WorkflowURL,
			WorkflowType:             model.WorkflowType(e.WorkflowType),
			WorkflowTypeVersion:      e.WorkflowTypeVersion,
			WorkflowEngine:           model.WorkflowEngine(e.WorkflowEngine),
			WorkflowEngineParameters: e.WorkflowEngineParameters,
		}
	}
	return out
}

func supportedTypeVersions(in map[string][]string) map[model.WorkflowType][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[model.WorkflowType][]string, len(in))
	for t, versions := range in {
		out[model.WorkflowType(t)] = versions
	}
	return out
}

func defaultEngineParameters(in map[string]map[string]string) map[model.WorkflowEngine]map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[model.WorkflowEngine]map[string]string, len(in))
	for engine, params := range in {
		out[model.WorkflowEngine(engine)] = params
	}
	return out
}
