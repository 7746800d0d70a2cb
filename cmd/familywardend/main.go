package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SoarinFerret/FamilyWarden/internal/approval"
	"github.com/SoarinFerret/FamilyWarden/internal/auth"
	"github.com/SoarinFerret/FamilyWarden/internal/config"
	"github.com/SoarinFerret/FamilyWarden/internal/engine"
	"github.com/SoarinFerret/FamilyWarden/internal/ipc"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/loginctl"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

var version = "dev"

func main() {
	// check for argument to determine config location
	argPath := "/etc/familywarden/config.toml"
	if len(os.Args) > 1 {
		argPath = os.Args[1]
	}
	cfg, err := config.LoadConfigFromFile(argPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", argPath, err)
	}

	lg := logger.Init(logger.Config{
		Env:         cfg.Daemon.LogEnv,
		Level:       cfg.Daemon.LogLevel,
		ServiceName: "familywardend",
		Version:     version,
	})
	defer lg.Sync()
	lg.Info("using config file", zap.String("path", argPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("daemon failed", logger.Err(err))
	}
	lg.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	st, err := store.Open(store.Options{
		Path:     cfg.Daemon.Database,
		PoolSize: cfg.Daemon.PoolSize,
		Logger:   lg,
		Location: cfg.Location(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if closed, err := st.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	} else if closed > 0 {
		lg.Warn("closed sessions left open by a crash", zap.Int("count", closed))
	}

	conn, err := connect(cfg.Daemon.Bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	// logind only lives on the system bus
	logind := conn
	if cfg.Daemon.Bus != "system" {
		if logind, err = dbus.ConnectSystemBus(); err != nil {
			lg.Warn("no system bus, running without logind", logger.Err(err))
			logind = nil
		} else {
			defer logind.Close()
		}
	}

	signals := ipc.NewEmitter(conn, lg)
	actuators := engine.Multi{signals}
	if logind != nil {
		actuators = append(actuators, engine.NewLogindActuator(logind, *cfg.Scheduler.LockScreen, lg))
	}

	authMgr := auth.NewManager(auth.Options{
		PasswordHash:    cfg.Auth.PasswordHash,
		TokenTTL:        cfg.Auth.TokenTTL.D(),
		MaxFailures:     cfg.Auth.MaxFailures,
		FailureWindow:   cfg.Auth.FailureWindow.D(),
		HashConcurrency: int64(cfg.Auth.HashConcurrency),
		Logger:          lg,
		Audit:           st,
	})
	eng := engine.New(engine.Options{
		Store:    st,
		Config:   cfg,
		Logger:   lg,
		Actuator: actuators,
		Metrics:  engine.NewMetrics(nil),
	})
	svc := ipc.NewService(ipc.Deps{
		Store:     st,
		Auth:      authMgr,
		Approvals: approval.New(st, signals, cfg.Category, lg),
		Engine:    eng,
		Config:    cfg,
		Signals:   signals,
		Logger:    lg,
	})
	if err := ipc.Serve(conn, svc); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(ctx)
	})
	if logind != nil {
		g.Go(func() error {
			lg.Info("monitoring logind for session changes")
			return loginctl.NewWatcher(logind, eng, lg).Watch(ctx)
		})
	}
	if addr := cfg.Daemon.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr, lg)
		})
	}
	return g.Wait()
}

func connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case "system":
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		return conn, nil
	case "session":
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to session bus: %w", err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unknown bus %q: expected system or session", bus)
}

func serveMetrics(ctx context.Context, addr string, lg *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}
