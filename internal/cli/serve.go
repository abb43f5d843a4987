package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lazypower/tabflow/internal/browser"
	"github.com/lazypower/tabflow/internal/config"
	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/server"
	"github.com/lazypower/tabflow/internal/store"
)

var (
	serveConfigPath string
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tabflow daemon",
	Long: "Start the scoring engine and HTTP API. When browser.control_url is set, " +
		"tabflow attaches to the browser over the DevTools protocol and closes tabs itself.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "config file (default ~/.tabflow/config.yaml)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfgPath := serveConfigPath
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	policy, err := cfg.Policy.Resolve()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The gateway interface stays nil without a browser so the scheduler
	// reports "no gateway" instead of calling a nil *browser.Gateway.
	var (
		gw      *browser.Gateway
		gateway engine.ResourceGateway
	)
	if cfg.Browser.ControlURL != "" {
		gw, err = browser.Connect(ctx, cfg.Browser.ControlURL, browser.Options{
			DestroyRate:  cfg.Browser.DestroyRate,
			DestroyBurst: cfg.Browser.DestroyBurst,
			CallTimeout:  cfg.Browser.CallTimeout,
			Logger:       logger.With("component", "browser"),
		})
		if err != nil {
			return fmt.Errorf("connect browser: %w", err)
		}
		gateway = gw
	}

	eng := engine.New(engine.Options{
		Policy:          policy,
		Gateway:         gateway,
		History:         engine.StoreSink{DB: db},
		ExcludedSchemes: cfg.Browser.ExcludedSchemes,
		TickInterval:    cfg.Engine.TickInterval,
		Logger:          logger.With("component", "engine"),
	})

	sessionKey := ""
	if gw != nil {
		sessionKey = gw.SessionKey()
	}
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	saved := sessionScores(db, sessionKey, logger)

	eng.Start(ctx)
	defer eng.Stop()

	srv := server.New(db, eng, VersionString(), logger.With("component", "server"))
	if gw != nil {
		srv.SetRestorer(gw)
		w := browser.NewWatcher(gw, eng, browser.WatchOptions{
			ProbeInterval: cfg.Browser.ProbeInterval,
			Logger:        logger.With("component", "watcher"),
			Saved:         saved,
		})
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("browser watcher stopped", "err", err)
			}
		}()

		persisted := make(chan struct{})
		go func() {
			defer close(persisted)
			persistScores(ctx, db, eng, gw, cfg.Engine.TickInterval, logger)
		}()
		// Runs before db.Close so the final save lands.
		defer func() {
			cancel()
			<-persisted
		}()
	}

	if cfg.History.Retention > 0 {
		go pruneHistory(ctx, db, cfg.History, logger)
	}

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tabflow serving",
			"addr", addr,
			"db", dbPath,
			"config", cfgPath,
			"browser", cfg.Browser.ControlURL != "",
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}

// pruneHistory drops history entries older than the retention window, once at
// startup and then every PruneInterval.
func pruneHistory(ctx context.Context, db *store.DB, cfg config.HistoryConfig, logger *slog.Logger) {
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	prune := func() {
		n, err := db.PruneReclaimed(time.Now().Add(-cfg.Retention))
		if err != nil {
			logger.Warn("prune history", "err", err)
			return
		}
		if n > 0 {
			logger.Info("pruned history", "removed", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			return
		}
	}
}

// sessionScores records sessionKey and returns the tab scores saved by an
// earlier run in the same browser session. A new session starts every tab
// at the default score.
func sessionScores(db *store.DB, sessionKey string, logger *slog.Logger) map[string]store.TabScore {
	changed, err := db.BeginSession(sessionKey)
	if err != nil {
		logger.Warn("record session", "err", err)
		return nil
	}
	if changed {
		logger.Info("new browser session, scores start fresh", "session", sessionKey)
		return nil
	}
	saved, err := db.LoadScores()
	if err != nil {
		logger.Warn("load saved scores", "err", err)
		return nil
	}
	logger.Info("restoring scores from this browser session", "session", sessionKey, "tabs", len(saved))
	return saved
}

// scoreSource maps the engine's resources to saveable scores.
type scoreSource interface {
	TabScores(resources []engine.ResourceView) []store.TabScore
}

// persistScores saves every tracked score each interval and once more when
// ctx is done.
func persistScores(ctx context.Context, db *store.DB, eng *engine.Engine, src scoreSource, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	save := func() {
		if err := db.SaveScores(src.TabScores(eng.Snapshot().Resources)); err != nil {
			logger.Warn("save scores", "err", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			save()
		case <-ctx.Done():
			save()
			return
		}
	}
}
