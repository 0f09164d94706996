package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"courier/internal/api"
	"courier/internal/browser"
	"courier/internal/config"
	"courier/internal/domain"
	"courier/internal/handlers/message"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/sysinfo"
	"courier/internal/vault"
	"courier/internal/worker"
)

type store interface {
	queue.Repository
	queue.Seeder
}

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var cerr *domain.ConfigError
		if errors.As(err, &cerr) {
			log.Error().Strs("missing", cerr.Missing).Msg(cerr.Error())
		} else {
			log.Error().Err(err).Msg("invalid configuration")
		}
		return 1
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("open task store")
		return 1
	}
	defer repo.Close()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Error().Err(err).Msg("load encryption key")
		return 1
	}

	var (
		waker    worker.Waker = worker.TimerWaker{}
		notifier api.Notifier
	)
	if cfg.RedisAddr != "" {
		rw, err := notify.NewRedis(ctx, cfg.RedisAddr, notify.DefaultKey)
		if err != nil {
			log.Warn().Err(err).Msg("redis wake channel disabled")
		} else {
			defer rw.Close()
			waker, notifier = rw, rw
		}
	}

	launch := browser.ChromeLauncher(browser.LaunchOptions{Headless: cfg.Headless, ExecPath: cfg.ChromePath})
	sessions := worker.NewSessions(func(ctx context.Context, accountID string) (worker.Automation, error) {
		s := browser.NewSession(launch, browser.Options{
			Target:        browser.FacebookTarget(),
			Timings:       browser.DefaultTimings(cfg.BrowserTimeout),
			Attempts:      cfg.RetryCount,
			ScreenshotDir: cfg.ScreenshotDir,
		})
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
		return s, nil
	})

	handlers := map[string]worker.Handler{
		domain.TypeSendMessage: message.New(repo, v, sessions),
	}
	w := worker.New(repo, handlers, sessions, sysinfo.Probe{}, waker, worker.Options{
		Name:              cfg.WorkerName,
		Type:              cfg.WorkerType,
		Email:             cfg.WorkerEmail,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		TaskGap:           cfg.TaskGap,
		BatchSize:         cfg.BatchSize,
	})

	var srv *http.Server
	if cfg.StatusAddr != "" {
		handler := api.NewServer(w, repo, api.Options{
			APIKey:   cfg.WorkerAPIKey,
			Debug:    cfg.LogLevel == "debug",
			Tasks:    repo,
			Notifier: notifier,
		})
		srv = &http.Server{Addr: cfg.StatusAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server")
			}
		}()
	}

	log.Info().Str("name", cfg.WorkerName).Str("store", redact(cfg.StoreURL)).Bool("headless", cfg.Headless).Msg("worker starting")
	runErr := w.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("worker exited")
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}

func setupLogging(cfg *config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch {
	case config.IsPostgresURL(cfg.StoreURL):
		r, err := queue.OpenPostgres(ctx, cfg.StoreURL, cfg.StoreKey)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.IsSQLiteURL(cfg.StoreURL):
		r, err := queue.OpenSQLite(ctx, config.SQLitePath(cfg.StoreURL))
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported store url %q", redact(cfg.StoreURL))
	}
}

// redact drops credentials from a store URL before it is logged.
func redact(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
