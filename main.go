package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/common/model"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/SalmonSung/psql-cli/component/collector"
	"github.com/SalmonSung/psql-cli/component/service"
	"github.com/SalmonSung/psql-cli/component/statements"
	"github.com/SalmonSung/psql-cli/config"
	"github.com/SalmonSung/psql-cli/utils"
)

var (
	cfgPath  = pflag.String("config", "", "config file path")
	address  = pflag.String("address", "", "TCP address to serve the snapshot on; empty writes JSON to stdout")
	project  = pflag.String("project", "", "GCP project id")
	instance = pflag.String("instance", "", "Cloud SQL instance id")
	start    = pflag.String("start", "", "window start, UTC YYYY-MM-DDTHH:MM")
	end      = pflag.String("end", "", "window end, UTC YYYY-MM-DDTHH:MM")
	duration = pflag.Duration("duration", 0, "window duration when start/end incomplete")
	pgDSN    = pflag.String("pg-dsn", "", "postgres DSN for pg_stat_statements; empty disables")
	logLevel = pflag.String("log-level", "", "log level override")
)

func main() {
	pflag.Parse()

	cfg, err := config.InitConfig(*cfgPath, overrideConfig)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err = config.InitLog(cfg); err != nil {
		log.Fatal("failed to init logger", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg); err != nil {
		log.Fatal("acquisition failed", zap.Error(err))
	}
}

func overrideConfig(cfg *config.Config) {
	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "address":
			cfg.Address = *address
		case "project":
			cfg.Project = *project
		case "instance":
			cfg.Instance = *instance
		case "start":
			cfg.Window.Start = *start
		case "end":
			cfg.Window.End = *end
		case "duration":
			cfg.Window.Duration = model.Duration(*duration)
		case "pg-dsn":
			cfg.Postgres.DSN = *pgDSN
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	startTs, endTs, err := cfg.Window.Times()
	if err != nil {
		return err
	}
	window, err := collector.ResolveWindow(startTs, endTs, time.Duration(cfg.Window.Duration), time.Now())
	if err != nil {
		return err
	}

	backend, err := collector.NewMonitoringBackend(ctx, cfg.Project)
	if err != nil {
		return err
	}
	defer backend.Close()

	var store statements.Store
	if cfg.Postgres.DSN != "" {
		pg, err := statements.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}

	coll := collector.New(backend, collector.Options{
		Project:       cfg.Project,
		Instance:      cfg.Instance,
		Window:        window,
		MaxWorkers:    cfg.Collector.MaxWorkers,
		TaskTimeout:   time.Duration(cfg.Collector.TaskTimeout),
		Tolerant:      cfg.Collector.Tolerant,
		Percentile:    cfg.Collector.Percentile,
		Statements:    store,
		TopStatements: cfg.Postgres.TopN,
	})

	log.Info("starting acquisition",
		zap.String("instance", cfg.Project+":"+cfg.Instance),
		zap.Time("start", window.Start),
		zap.Time("end", window.End))

	snap, err := coll.Collect(ctx)
	if err != nil {
		return err
	}

	if cfg.Address == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	srv := service.NewServer(cfg.Address)
	srv.SetSnapshot(snap, nil)
	srv.Start()

	if interval := time.Duration(cfg.Collector.Interval); interval > 0 {
		closeCh := make(chan struct{})
		defer close(closeCh)
		go utils.GoWithRecovery(func() {
			refreshLoop(ctx, coll, srv, interval, closeCh)
		}, nil)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// refreshLoop re-runs acquisition periodically so the HTTP surface keeps
// serving a fresh snapshot.
func refreshLoop(ctx context.Context, coll *collector.Collector, srv *service.Server, interval time.Duration, closed chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := coll.Collect(ctx)
			srv.SetSnapshot(snap, err)
			if err != nil {
				log.Error("periodic acquisition failed", zap.Error(err))
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
