package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"probeflow/internal/api"
	"probeflow/internal/config"
	"probeflow/internal/handlers/execute"
	"probeflow/internal/handlers/logwriter"
	"probeflow/internal/handlers/notify"
	"probeflow/internal/probe"
	"probeflow/internal/queue"
	"probeflow/internal/scheduler"
	"probeflow/internal/store"
	"probeflow/internal/worker"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "probeflow.db", "SQLite DB path")
		cfgPath  = flag.String("config", "", "optional YAML config file")
		poll     = flag.Duration("poll", 250*time.Millisecond, "worker poll interval")
		dispatch = flag.Duration("dispatch", time.Second, "schedule check interval")
		debug    = flag.Bool("debug", false, "enable pprof debug routes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale leased jobs")
	}

	tasks := store.NewTaskStore(db)
	logs := store.NewLogStore(db)

	prober := probe.NewClient(probe.Options{
		Timeout:      cfg.Probe.Timeout.Std(),
		MaxBodyBytes: cfg.Probe.MaxBodyBytes,
	})
	sender := notify.NewWebhookSender(cfg.Alerts.Webhooks, cfg.Alerts.Timeout.Std())

	ctx, cancel := context.WithCancel(context.Background())

	pools := []*worker.Pool{
		worker.NewPool(repo, queue.QueueExecute, execute.New(prober, repo), cfg.Workers.Execute, *poll),
		worker.NewPool(repo, queue.QueueWriteLog, logwriter.New(logs, cfg.MaxLogsPerTask), cfg.Workers.WriteLog, *poll),
		worker.NewPool(repo, queue.QueueNotify, notify.New(logs, sender), cfg.Workers.Notify, *poll),
	}
	for _, p := range pools {
		go p.Run(ctx)
	}

	dispatcher := scheduler.NewDispatcher(repo, *dispatch)
	go dispatcher.Start(ctx)

	reconciler := scheduler.NewReconciler(repo)
	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(tasks, logs, reconciler, cfg, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	dispatcher.Stop()
	for _, p := range pools {
		p.Stop()
	}
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
