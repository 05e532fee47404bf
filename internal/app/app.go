package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"vaultwatch/internal/alerting"
	"vaultwatch/internal/api"
	"vaultwatch/internal/config"
	"vaultwatch/internal/fetcher"
	"vaultwatch/internal/lifecycle"
	"vaultwatch/internal/refcache"
	"vaultwatch/internal/retry"
	"vaultwatch/internal/risk"
	"vaultwatch/internal/scheduler"
	"vaultwatch/internal/service"
	"vaultwatch/internal/storage"
	"vaultwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newGraphQL(endpoint string) *fetcher.GraphQL {
	ua := a.Config.Indexer.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return fetcher.NewGraphQL(fetcher.GraphQLOptions{
		Endpoint:  endpoint,
		Timeout:   a.Config.Indexer.RequestTimeout,
		UserAgent: ua,
		Retry: retry.Config{
			MaxAttempts:  a.Config.Indexer.MaxAttempts,
			InitialDelay: a.Config.Indexer.RetryDelay,
			MaxDelay:     a.Config.Scheduler.MaxBackoff,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}, a.Logger)
}

func (a *App) newSource() (fetcher.Source, error) {
	opts := fetcher.Options{
		PageSize:     a.Config.Indexer.PageSize,
		DebtDecimals: a.Config.Indexer.DebtDecimals,
	}

	switch a.Config.App.Network {
	case config.NetworkAcala:
		primary := a.newGraphQL(a.Config.Indexer.Endpoint)
		loans := primary
		if a.Config.Indexer.LoansEndpoint != "" && a.Config.Indexer.LoansEndpoint != a.Config.Indexer.Endpoint {
			loans = a.newGraphQL(a.Config.Indexer.LoansEndpoint)
		}
		return fetcher.NewAcala(primary, loans, opts, a.Logger), nil
	case config.NetworkKarura:
		// A typed nil *Oracle would defeat the nil check inside the adapter.
		var oracle fetcher.PriceOracle
		if a.Config.OracleEnabled() {
			oracle = fetcher.NewOracle(fetcher.OracleOptions{
				RPCURL:         a.Config.Ethereum.RPCURL,
				OracleAddress:  a.Config.Ethereum.OracleAddress,
				TokenAddresses: a.Config.Ethereum.TokenAddresses,
				Timeout:        a.Config.Ethereum.RequestTimeout,
			}, a.Logger)
		}
		return fetcher.NewKarura(a.newGraphQL(a.Config.Indexer.Endpoint), oracle, opts, a.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported network %q", a.Config.App.Network)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newClassifier(formula risk.Formula) risk.Classifier {
	return risk.New(formula, risk.Thresholds{
		Red:    decimal.NewFromFloat(a.Config.Risk.RedPct),
		Yellow: decimal.NewFromFloat(a.Config.Risk.YellowPct),
	})
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		PollInterval:  a.Config.Scheduler.PollInterval,
		CycleInterval: a.Config.Scheduler.CycleInterval,
		AlignToCycle:  a.Config.Scheduler.AlignToCycle,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		Backoff: retry.Config{
			InitialDelay: a.Config.Scheduler.RetryBackoff,
			MaxDelay:     a.Config.Scheduler.MaxBackoff,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}, a.Logger)
}

// buildService wires a monitor around source. store may be nil. Only a long-running monitor gets a
// scheduler and notifiers.
func (a *App) buildService(source fetcher.Source, store *storage.Store, longRunning bool) (*service.Service, error) {
	alertZones, err := service.ParseAlertZones(a.Config.Alerting.Zones)
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Source: source,
		Cache: refcache.New(source, refcache.Options{
			PriceTTL:  a.Config.Cache.PriceTTL,
			ParamsTTL: a.Config.Cache.ParamsTTL,
		}),
		Classifier: a.newClassifier(source.Formula()),
	}
	if longRunning {
		deps.Scheduler = a.newScheduler()
		if notifier := a.newNotifier(); notifier != nil {
			deps.Notifier = notifier
		}
	}
	if store != nil {
		deps.Cycles = store
		deps.Alerts = store
	}

	return service.New(deps, service.Options{
		Workers:         a.Config.Scheduler.Workers,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		AlertZones:      alertZones,
		Channels:        a.Config.Alerting.Channels,
		AlertRetention:  a.Config.Alerting.Retention,
	}, a.Logger), nil
}

// Run executes the long-running monitoring service together with the status server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, err := a.newSource()
	if err != nil {
		return err
	}
	defer source.Close()

	svc, err := a.buildService(source, store, true)
	if err != nil {
		return err
	}

	router := api.SetupRoutes(api.Dependencies{Zones: svc.Zones(), Ready: svc.Events(), Logger: a.Logger})
	server := api.NewServer(a.Config.Server, router, a.Logger)

	events, unsubscribe := svc.Events().Subscribe(16)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		a.logEvents(gctx, events)
		return nil
	})
	g.Go(func() error {
		a.Logger.Info().Str("network", source.Network()).Str("formula", source.Formula().String()).Msg("starting monitoring service")
		if err := svc.Initialize(gctx); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
		return svc.RunForever(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan lifecycle.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := "position updated"
			if ev.Kind == lifecycle.EventInitialSync {
				msg = "position initialized"
			}
			a.Logger.Info().
				Str("marker", ev.Marker.String()).
				Int("touched", ev.Stats.Touched).
				Int("classified", ev.Stats.Classified).
				Int("skipped", ev.Stats.Skipped).
				Int("yellow", ev.Stats.Yellow).
				Int("red", ev.Stats.Red).
				Dur("duration", ev.Stats.Duration).
				Msg(msg)
		}
	}
}

// CheckOptions configure the one-shot check command.
type CheckOptions struct {
	Owner string
}

// ExportOptions hold parameters for exporting cycle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}
