package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/classify"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/command"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/delivery"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/dispatch"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/executor"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/hooks"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/ratelimit"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/store"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/supervisor"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/transport/bridge"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/transport/irc"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/version"
)

// runAgent loads config, wires the pipeline and blocks until logout or a
// signal. Both end the process cleanly; startup problems are errors.
func runAgent(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	issues := config.Validate(&cfg)
	if len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("creating data directories: %w", err)
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(paths.Logs, logFile)
	}
	agentLog, closer, err := logging.Open(logging.Options{
		Level: cfg.Logging.Level,
		Style: cfg.Logging.ConsoleStyle,
		File:  logFile,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	connector, err := connectorFor(cfg, agentLog)
	if err != nil {
		return err
	}

	a, err := newAgent(cfg, paths, connector, agentLog)
	if err != nil {
		return err
	}

	// Block until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.run(ctx)
}

// connectorFor picks the session backend named by cfg.Backend.
func connectorFor(cfg config.Config, log *logging.Logger) (domain.Connector, error) {
	switch cfg.Backend {
	case "irc":
		if cfg.IRC == nil {
			return nil, errors.New("irc backend selected but not configured")
		}
		return irc.NewConnector(*cfg.IRC, log), nil
	case "bridge":
		if cfg.Bridge == nil {
			return nil, errors.New("bridge backend selected but not configured")
		}
		return bridge.NewConnector(*cfg.Bridge, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// agent is the wired pipeline: supervisor → dispatcher → executor.
type agent struct {
	log        *logging.Logger
	hooks      *hooks.Manager
	registry   *command.Registry
	classifier *classify.Classifier
	limiter    *ratelimit.Limiter
	supervisor *supervisor.Supervisor
	db         *store.DB
}

func newAgent(cfg config.Config, paths config.Paths, connector domain.Connector, log *logging.Logger) (*agent, error) {
	registry, err := command.NewRegistry(cfg.Commands.Marker, command.Builtins(cfg.Commands.Marker)...)
	if err != nil {
		return nil, fmt.Errorf("building command registry: %w", err)
	}

	hookMgr := hooks.NewManager(log)

	var db *store.DB
	if cfg.Store.Driver == "sqlite" {
		dbPath := cfg.Store.Path
		if dbPath == "" {
			dbPath = paths.Database()
		}
		db, err = store.Open(dbPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.Attach(hookMgr)
		log.Info().Str("path", dbPath).Msg("recording invocations")
	}

	limiter := ratelimit.New(cfg.Commands.Cooldown())
	retrier := delivery.New(delivery.Policy{
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		Delay:         cfg.Delivery.Delay(),
		MaxReadyWaits: cfg.Delivery.MaxReadyWaits,
	}, log, hookMgr)
	exec := executor.New(registry, limiter, retrier, hookMgr, log, executor.Options{
		Timeout:       cfg.Commands.Timeout(),
		AllowBotAdmin: cfg.Commands.AllowBotAdmin,
	})
	classifier := classify.New(registry, classify.ContentPolicy(cfg.Commands.ContentPolicy))
	dispatcher := dispatch.New(classifier, exec, hookMgr, cfg.Commands.DedupWindow(), log)

	a := &agent{
		log:      log,
		hooks:    hookMgr,
		registry:   registry,
		classifier: classifier,
		limiter:    limiter,
		db:         db,
	}
	a.supervisor = supervisor.New(connector, dispatcher, hookMgr, log, supervisor.Options{
		Policy: supervisor.ReconnectPolicy{
			InitialDelay: cfg.Reconnect.Delay(),
			MaxDelay:     cfg.Reconnect.MaxDelay(),
			Multiplier:   cfg.Reconnect.Multiplier,
		},
		OnOpen: a.banner,
	})
	return a, nil
}

// run blocks until the session logs out or ctx ends.
func (a *agent) run(ctx context.Context) error {
	if a.db != nil {
		defer func() {
			a.db.Detach(a.hooks)
			_ = a.db.Close()
		}()
	}

	stopReaper, err := a.limiter.StartReaper(a.log)
	if err != nil {
		return fmt.Errorf("starting cooldown reaper: %w", err)
	}
	defer stopReaper()

	a.log.Info().
		Str("version", version.Version).
		Int("pid", os.Getpid()).
		Msg("tagall starting")

	err = a.supervisor.Run(ctx)
	switch {
	case err == nil:
		a.log.Info().Msg("logged out, exiting")
		return nil
	case errors.Is(err, context.Canceled):
		a.log.Info().Msg("shutting down")
		return nil
	default:
		return err
	}
}

// banner announces the available commands each time a session opens.
func (a *agent) banner(_ context.Context, sess domain.Session) {
	a.log.Info().
		Str("self", sess.SelfID()).
		Strs("commands", a.registry.Names()).
		Str("contentPolicy", string(a.classifier.Policy())).
		Msg("bot is ready")
}
