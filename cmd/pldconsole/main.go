package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pldconsole/pldconsole/internal/api"
	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/config"
	"github.com/pldconsole/pldconsole/internal/environment"
	"github.com/pldconsole/pldconsole/internal/health"
	"github.com/pldconsole/pldconsole/internal/jobsync"
	"github.com/pldconsole/pldconsole/internal/logging"
	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/monitor"
	"github.com/pldconsole/pldconsole/internal/scheduler"
	"github.com/pldconsole/pldconsole/internal/session"
	"github.com/pldconsole/pldconsole/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/pldconsole.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional file of environment variables for ${VAR} substitution")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read env file", "path", *envFile, "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "err", err)
		os.Exit(1)
	}
	defer logger.Close()

	slog.Info("PLD console starting...", "config", *configPath, "backend", cfg.Backend.URL)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewWithRegistry(reg)

	// Session persistence
	st, closeStore := openStore(cfg)
	defer closeStore()

	// Backend client
	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout)
	if err := authenticate(client, cfg.Backend); err != nil {
		slog.Error("backend login failed", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(nil)
	sched.Register("store-sync", cfg.HealthCheck.Interval, func(context.Context) { st.Sync() })

	sess := session.New(client, st, session.WithCloseTimeout(cfg.Session.CloseTimeout))
	m.SetSessionState(string(sess.State()))

	jobs := jobsync.NewManager(client, client, sched, m, cfg.Jobs.PollInterval, cfg.Jobs.DisableStream)

	sess.OnStateChange(func(from, to session.State) {
		m.SetSessionState(string(to))
		if to == session.StateDisconnected {
			// Job ids belong to the closed session.
			jobs.CancelAll()
		}
	})

	board := monitor.NewBoard(client, sess.Token, sched, m, viewIntervals(cfg.Monitor))
	board.OnError(sess.ObserveRequestError)
	if cfg.Monitor.AutoStart {
		board.Start()
	}

	envs := environment.New(cfg.Environments)

	hc := health.NewChecker(client, sess, sched, m, cfg.HealthCheck)
	hc.Start()

	apiServer := api.NewServer(api.Components{
		Session:        sess,
		Jobs:           jobs,
		Monitor:        board,
		Environments:   envs,
		Health:         hc,
		Backend:        client,
		Gatherer:       reg,
		DescriptorPath: cfg.Session.DescriptorPath,
	}, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		logger.SetLevel(newCfg.Logging.Level)
		board.Reconfigure(viewIntervals(newCfg.Monitor))
		jobs.SetPollInterval(newCfg.Jobs.PollInterval)
		hc.SetInterval(newCfg.HealthCheck.Interval)
		if len(newCfg.Environments) > 0 {
			envs.Replace(newCfg.Environments)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("PLD console ready",
		"api_port", cfg.Listen.APIPort,
		"session", sess.State(),
		"store", cfg.Store.Driver)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout. The backend session is kept open so a
	// restart can rehydrate it.
	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		apiServer.Stop()
		hc.Stop()
		board.Stop()
		jobs.Close()
		sched.Close()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("PLD console stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}

// viewIntervals resolves the refresh interval of every built-in view.
func viewIntervals(mc config.MonitorConfig) map[string]time.Duration {
	out := make(map[string]time.Duration, len(monitor.Views))
	for _, v := range monitor.Views {
		out[v] = mc.Interval(v)
	}
	return out
}

// authenticate sets the bearer token used for every backend call.
func authenticate(client *backend.Client, bc config.BackendConfig) error {
	if bc.AuthToken != "" {
		client.SetBearerToken(bc.AuthToken)
		return nil
	}
	if bc.Username == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), bc.Timeout)
	defer cancel()
	res, err := client.Login(ctx, bc.Username, bc.Password)
	if err != nil {
		return err
	}
	slog.Info("logged in to backend", "user", res.User.Username)
	return nil
}

// openStore builds the session store. Any failure degrades to an in-memory
// store so the console still starts.
func openStore(cfg *config.Config) (*store.Resilient, func()) {
	noop := func() {}

	sessionID := cfg.Session.ID
	if sessionID == "" {
		var err error
		sessionID, err = loadSessionID(cfg.Store)
		if err != nil {
			slog.Warn("session id not persisted, using a new one", "err", err)
			sessionID = store.NewSessionID()
		}
	}

	var sealer store.Sealer
	if cfg.Store.Secret != "" {
		s, err := store.NewSecretboxSealer(cfg.Store.Secret)
		if err != nil {
			slog.Warn("store secret unusable, passwords will not be kept", "err", err)
		} else {
			sealer = s
		}
	}

	var primary store.Store
	closeFn := noop
	switch cfg.Store.Driver {
	case "file":
		fileStore, err := store.NewFileStore(cfg.Store.Path, sessionID, sealer)
		if err != nil {
			slog.Warn("file store unavailable, session kept in memory only", "err", err)
			break
		}
		primary = fileStore
	case "sqlite":
		db, err := store.NewSQLiteStore(cfg.Store.Path, sessionID, sealer)
		if err != nil {
			slog.Warn("sqlite store unavailable, session kept in memory only", "err", err)
			break
		}
		primary = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				slog.Warn("closing session store", "err", err)
			}
		}
	}

	slog.Info("session store ready", "driver", cfg.Store.Driver, "session_id", sessionID, "sealed", sealer != nil)
	return store.NewResilient(primary, sessionID), closeFn
}

// loadSessionID keeps the generated session id next to the store so a
// restart resumes the same session context.
func loadSessionID(sc config.StoreConfig) (string, error) {
	var dir string
	switch sc.Driver {
	case "file":
		dir = sc.Path
	case "sqlite":
		dir = filepath.Dir(sc.Path)
	default:
		return store.NewSessionID(), nil
	}
	return store.LoadOrCreateSessionID(filepath.Join(dir, "session_id.yaml"))
}
