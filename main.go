package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/bus"
	"github.com/certlab/exam-runtime/internal/config"
	"github.com/certlab/exam-runtime/internal/containers"
	"github.com/certlab/exam-runtime/internal/countdown"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/certlab/exam-runtime/internal/handlers"
	"github.com/certlab/exam-runtime/internal/labruntime"
	"github.com/certlab/exam-runtime/internal/logging"
	"github.com/certlab/exam-runtime/internal/middleware"
	"github.com/certlab/exam-runtime/internal/orchestrator"
	"github.com/certlab/exam-runtime/internal/ports"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/certlab/exam-runtime/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "examrt"
	app.Version = version
	app.Usage = "Runtime orchestration for hands-on exam environments"

	app.Before = func(c *cli.Context) error {
		config.Load()
		logging.Init()
		return nil
	}
	app.After = func(c *cli.Context) error {
		return logging.Close()
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the API, terminal and countdown server",
			Action: serve,
		},
		{
			Name:  "sweep",
			Usage: "Remove runtime containers that no live exam accounts for",
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				s, docker, err := openBackends(ctx)
				if err != nil {
					return err
				}
				defer s.Close()
				defer docker.Close()

				mgr := labruntime.NewManager(s, docker, nil, labruntime.OptionsFromConfig())
				n, err := mgr.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d orphaned containers\n", n)
				return nil
			},
		},
		{
			Name:  "ports",
			Usage: "Print port range usage as JSON",
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				s, err := store.Open(ctx, config.Cfg.RedisURL)
				if err != nil {
					return err
				}
				defer s.Close()

				alloc, err := ports.New(s, config.Cfg.Ranges())
				if err != nil {
					return err
				}
				if err := alloc.Resync(ctx); err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(alloc.Snapshot())
			},
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openBackends(ctx context.Context) (*store.Store, *containers.Docker, error) {
	s, err := store.Open(ctx, config.Cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	docker, err := containers.NewDocker(ctx, config.Cfg.DockerHost, config.Cfg.Network, config.Cfg.StopTimeout)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("docker: %w", err)
	}
	return s, docker, nil
}

func serve(c *cli.Context) error {
	ctx := context.Background()

	s, docker, err := openBackends(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	defer docker.Close()

	if err := docker.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("ensure network %s: %w", config.Cfg.Network, err)
	}

	msgBus, err := bus.Open(s.Client())
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer msgBus.Close()

	db, err := audit.Open(config.Cfg.DataPath)
	if err != nil {
		return fmt.Errorf("audit db: %w", err)
	}
	auditor, err := audit.NewAuditor(db, config.Cfg.AuditRetentionDays)
	if err != nil {
		return err
	}

	alloc, err := ports.New(s, config.Cfg.Ranges())
	if err != nil {
		return err
	}
	if err := alloc.Resync(ctx); err != nil {
		log.Warnf("Port lease resync: %v", err)
	}

	mgr := labruntime.NewManager(s, docker, auditor, labruntime.OptionsFromConfig())
	dialer, err := terminal.NewDialer(docker)
	if err != nil {
		return fmt.Errorf("terminal dialer: %w", err)
	}
	repo := exams.NewRepository(s)

	cd, err := countdown.New(config.Cfg.InstanceID, repo, s, msgBus, config.Cfg.TickInterval)
	if err != nil {
		return fmt.Errorf("countdown: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     s,
		Exams:     repo,
		Ports:     alloc,
		Runtime:   mgr,
		Exec:      docker,
		Terminals: terminal.NewRegistry(s, terminal.NewHub(), auditor),
		Countdown: cd,
		Dialer:    dialer,
		Auditor:   auditor,
	})
	cd.SetTerminator(orch)

	handlers.Orch = orch
	handlers.Countdown = cd
	handlers.Ports = alloc
	handlers.AuditLog = auditor
	handlers.Exams = repo
	handlers.Store = s

	log.WithFields(log.Fields{
		"instance": config.Cfg.InstanceID,
		"bus":      config.Cfg.Bus,
		"network":  config.Cfg.Network,
		"terminal": config.Cfg.TerminalTransport,
	}).Info("Runtime initialized")

	// Background jobs
	jobs := cron.New()
	jobs.AddFunc("@every 30s", func() {
		ids, err := orch.ActiveExamIDs(ctx)
		if err != nil {
			log.Warnf("[countdown] list active exams: %v", err)
			return
		}
		if n, err := cd.Adopt(ctx, ids); err != nil {
			log.Warnf("[countdown] adopt: %v", err)
		} else if n > 0 {
			log.Infof("[countdown] adopted %d timers", n)
		}
	})
	jobs.AddFunc("@every 1m", func() {
		if err := alloc.Resync(ctx); err != nil {
			log.Warnf("[ports] resync: %v", err)
		}
		if n, err := mgr.Sweep(ctx); err != nil {
			log.Warnf("[runtime] sweep: %v", err)
		} else if n > 0 {
			log.Infof("[runtime] swept %d orphaned containers", n)
		}
	})
	jobs.AddFunc("@daily", func() {
		if n, err := auditor.PurgeOlderThan(0); err != nil {
			log.Warnf("[audit] purge: %v", err)
		} else if n > 0 {
			log.Infof("[audit] purged %d entries", n)
		}
	})
	jobs.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Identity)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", handlers.CreateSession)
		r.Post("/sessions/{id}/activate", handlers.ActivateSession)
		r.Delete("/sessions/{id}", handlers.TerminateSession)
		r.Get("/sessions/{id}/routing", handlers.GetRouting)
		r.Get("/sessions/{id}/access", handlers.ValidateAccess)

		// WebSockets
		r.Get("/sessions/{id}/terminal", handlers.TerminalWS)
		r.Get("/sessions/{id}/countdown", handlers.CountdownWS)

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/ports", handlers.GetPortUsage)
			r.Get("/sessions", handlers.ListSessions)
			r.Get("/audit", handlers.GetAuditLogs)
			r.Put("/exams/{id}", handlers.PutExam)
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Info("Shutting down...")

	<-jobs.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}

	// Timers stop here and their leases are released; another instance
	// adopts them on its next pass.
	if err := cd.Close(); err != nil {
		log.Warnf("Countdown shutdown: %v", err)
	}
	log.Info("Server stopped")
	return nil
}
