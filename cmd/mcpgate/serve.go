package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/acme"
	"github.com/rsclarke/mcpgate/internal/audit"
	"github.com/rsclarke/mcpgate/internal/auth"
	"github.com/rsclarke/mcpgate/internal/classifier"
	"github.com/rsclarke/mcpgate/internal/config"
	"github.com/rsclarke/mcpgate/internal/db"
	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/intercept"
	"github.com/rsclarke/mcpgate/internal/intercept/scanner"
	"github.com/rsclarke/mcpgate/internal/inventory"
	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/policies"
	"github.com/rsclarke/mcpgate/internal/relay"
	"github.com/rsclarke/mcpgate/internal/server"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

const (
	frontDoorShutdownTimeout = 30 * time.Second
	inventoryListTimeout     = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway front door and one loopback listener per alias in the
config file.

Every flag can also be set with an MCPGATE_* environment variable, for
example --base-port as MCPGATE_BASE_PORT. A .env file in the working
directory is loaded first. Flags win over the environment.

The config file is watched; edits are reconciled into the running fleet.
On first start an admin API key is created and printed once.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	config.RegisterFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint: settings.OTLPEndpoint,
		Insecure: settings.OTLPInsecure,
		Version:  version,
	}, func(err error) {
		logger.Named("otel").Warn("telemetry error", zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	metrics := telemetry.NewMetrics()

	database, err := db.Open(settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if !settings.NoAuth {
		if err := ensureAPIKey(cmd.OutOrStdout(), database); err != nil {
			return err
		}
	}

	store, err := openAuditStore(ctx, settings, database)
	if err != nil {
		return err
	}
	defer store.Close()

	pol := policies.New(settings.PoliciesPath, settings.KeyPoliciesPath, logger.Named("policies"))
	if err := pol.Load(); err != nil {
		return err
	}

	pipeline, err := buildPipeline(ctx, settings, store, pol, metrics)
	if err != nil {
		return err
	}

	routes, err := fleet.NewRouteTable(settings.RoutesPath)
	if err != nil {
		return fmt.Errorf("open route table: %w", err)
	}
	configStore := fleet.NewConfigStore(settings.ConfigPath)

	var inv *inventory.Service
	factory := server.AliasFactory(server.AliasDeps{
		Pipeline:  pipeline,
		Metrics:   metrics,
		Transport: telemetry.Transport(relay.NewTransport()),
		Logger:    logger.Named("alias"),
	})
	controller := fleet.NewController(routes, factory,
		fleet.WithBasePort(settings.BasePort),
		fleet.WithGracePeriod(settings.GracePeriod),
		fleet.WithLogger(logger.Named("fleet")),
		fleet.WithMetrics(metrics),
		fleet.WithOnChange(func() {
			if inv != nil {
				inv.FleetChanged()
			}
		}),
	)

	invOpts := []inventory.Option{
		inventory.WithTTL(settings.InventoryTTL),
		inventory.WithConfigured(configStore),
		inventory.WithLogger(logger.Named("inventory")),
	}
	if settings.RedisAddr != "" {
		cache, err := inventory.NewRedisCache(ctx, settings.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect inventory cache: %w", err)
		}
		defer cache.Close()
		invOpts = append(invOpts, inventory.WithCache(cache))
		logger.Info("inventory cache", zap.String("backend", "redis"))
	}
	lister := inventory.NewMCPLister(version, inventoryListTimeout, logger.Named("inventory"))
	inv = inventory.NewService(controller, lister, invOpts...)

	desired, err := configStore.Load()
	if err != nil {
		return err
	}
	if err := controller.Reconcile(ctx, desired); err != nil {
		var rerr *fleet.ReconcileError
		if !errors.As(err, &rerr) {
			return err
		}
		logger.Warn("initial reconcile incomplete", zap.Error(err))
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		err := fleet.Watch(watchCtx, settings.ConfigPath, logger.Named("watch"), func() {
			reload(watchCtx, configStore, controller, inv, pol)
		})
		if err != nil {
			logger.Error("config watch stopped", zap.Error(err))
		}
	}()

	var authn *auth.Authenticator
	if settings.NoAuth {
		logger.Warn("admin API authentication disabled")
	} else {
		authn = auth.NewAuthenticator(db.Keys{DB: database})
	}

	apiSrv := &server.APIServer{
		Fleet:     controller,
		Config:    configStore,
		Inventory: inv,
		Audit:     store,
		Auth:      authn,
		Relay: relay.New(routes,
			relay.WithTransport(telemetry.Transport(relay.NewTransport())),
			relay.WithMetrics(metrics),
			relay.WithLogger(logger.Named("relay")),
		),
		Metrics: metrics,
		Logger:  logger.Named("api"),
	}

	frontCfg := server.DefaultServerConfig(settings.Listen, apiSrv.Handler(), logger.Named("frontdoor"))

	var challenge *server.ManagedServer
	tlsMode := "none"
	if settings.TLSDomain != "" {
		manager := acme.NewManager(settings.TLSDomain, settings.ACMEEmail, database, settings.ACMEStaging, logger.Named("certmagic"))
		if err := manager.Prepare(); err != nil {
			return fmt.Errorf("prepare acme: %w", err)
		}
		if settings.ACMEHTTPListen != "" {
			challenge = server.NewManagedServer("acme-http", server.DefaultServerConfig(
				settings.ACMEHTTPListen,
				manager.HTTPChallengeHandler(http.NotFoundHandler()),
				logger.Named("acme-http"),
			))
			if err := challenge.Start(ctx); err != nil {
				return err
			}
		}

		logger.Info("starting acme certificate acquisition",
			zap.String("domain", settings.TLSDomain),
			zap.Bool("staging", settings.ACMEStaging))
		if err := manager.Manage(ctx); err != nil {
			return fmt.Errorf("ACME certificate acquisition: %w", err)
		}
		frontCfg.TLSConfig = manager.TLSConfig()
		tlsMode = "acme"
	}

	front := server.NewManagedServer("frontdoor", frontCfg)
	if err := front.Start(ctx); err != nil {
		return err
	}
	logger.Info("gateway ready",
		logging.Addr(front.Addr()),
		logging.TLSMode(tlsMode),
		zap.Int("aliases", len(controller.Running())))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-front.Done():
		logger.Error("front door stopped", zap.Error(front.Err()))
	}

	stopWatch()
	<-watchDone

	fleetCtx, cancelFleet := context.WithTimeout(context.Background(), settings.GracePeriod+5*time.Second)
	defer cancelFleet()
	if err := controller.Shutdown(fleetCtx); err != nil {
		logger.Warn("fleet shutdown incomplete", zap.Error(err))
	}

	frontCtx, cancelFront := context.WithTimeout(context.Background(), frontDoorShutdownTimeout)
	defer cancelFront()
	if err := front.Shutdown(frontCtx); err != nil {
		logger.Warn("front door shutdown", zap.Error(err))
	}
	if challenge != nil {
		if err := challenge.Shutdown(frontCtx); err != nil {
			logger.Warn("acme listener shutdown", zap.Error(err))
		}
	}

	if err := shutdownTracing(frontCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
	return front.Err()
}

// reload applies the config file to the fleet. Aliases whose backend spec
// changed are restarted.
func reload(ctx context.Context, configStore *fleet.ConfigStore, controller *fleet.Controller, inv *inventory.Service, pol *policies.Set) {
	if err := pol.Load(); err != nil {
		logger.Warn("reload policies", zap.Error(err))
	}

	desired, err := configStore.Load()
	if err != nil {
		logger.Error("reload config", zap.Error(err))
		return
	}
	if err := controller.Reconcile(ctx, desired); err != nil {
		logger.Warn("reconcile after config change", zap.Error(err))
	}
	for _, alias := range controller.Stale(desired) {
		if err := controller.Add(ctx, alias, desired[alias]); err != nil {
			logger.Warn("restart changed alias", logging.Alias(alias), zap.Error(err))
		}
	}
	inv.Invalidate(ctx)
}

func ensureAPIKey(w io.Writer, database *sql.DB) error {
	count, err := db.CountAPIKeys(database)
	if err != nil {
		return fmt.Errorf("count API keys: %w", err)
	}
	if count > 0 {
		return nil
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generate API key: %w", err)
	}
	if _, err := db.CreateAPIKey(database, key.Prefix, key.Hash); err != nil {
		return fmt.Errorf("create API key: %w", err)
	}
	fmt.Fprintln(w, "=============================================================")
	fmt.Fprintln(w, "API KEY CREATED (save this, it will not be shown again):")
	fmt.Fprintln(w, key.Display)
	fmt.Fprintln(w, "=============================================================")
	return nil
}

func openAuditStore(ctx context.Context, settings *config.Settings, database *sql.DB) (audit.Store, error) {
	logger.Info("audit store", zap.String("backend", settings.AuditBackend))
	switch settings.AuditBackend {
	case config.BackendMemory:
		return audit.NewMemoryStore(), nil
	case config.BackendPostgres:
		s, err := audit.NewPostgresStore(ctx, settings.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres audit store: %w", err)
		}
		return s, nil
	default:
		return audit.NewSQLiteStoreWithDB(database), nil
	}
}

func buildPipeline(ctx context.Context, settings *config.Settings, store audit.Store, pol *policies.Set, metrics *telemetry.Metrics) (*intercept.Pipeline, error) {
	var cls classifier.Classifier
	if settings.ClassifierEnabled() {
		m, err := classifier.NewOpenAI(ctx, settings.ClassifierConfig(), logger.Named("classifier"))
		if err != nil {
			return nil, fmt.Errorf("create classifier: %w", err)
		}
		cls = m
		logger.Info("classifier enabled",
			zap.String("model", settings.ClassifierModel),
			zap.String("on_failure", settings.ClassifierFailure))
	} else {
		logger.Info("classifier disabled; tool calls are recorded without verdicts")
	}

	sc, err := scanner.New(cls, store, pol, settings.ScannerOptions(), metrics, logger.Named("scanner"))
	if err != nil {
		return nil, err
	}

	pipeline := intercept.NewPipeline(logger.Named("intercept"))
	pipeline.Register(sc)
	for _, h := range pipeline.ListHooks() {
		logger.Info("hook registered", zap.String("hook", h.ID), zap.Any("config", h.Config))
	}
	return pipeline, nil
}
