package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scribeq/internal/config"
	"scribeq/internal/dispatch"
	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/pricing"
	"scribeq/internal/queue"
	"scribeq/internal/routing"
	"scribeq/internal/scheduler"
	"scribeq/internal/status"
	"scribeq/internal/store"
	"scribeq/internal/telemetry"
	"scribeq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	table := routing.NewTable()
	if err := table.Validate(); err != nil {
		log.Fatalf("routing table: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	led := ledger.NewCoordinator(st, cfg.LedgerRetries, cfg.LedgerRetryDelay)
	prices := pricing.Default()
	rec := status.NewRecorder(st, status.NopNotifier{})

	processor := worker.NewProcessor(cfg, table, prices, q, rec, led, st)

	media, err := worker.NewMediaHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init media handler: %v", err)
	}
	transcription := worker.NewTranscriptionHandler(&worker.DevTranscriptionClient{DelayPerMinute: 200 * time.Millisecond})
	enhance := worker.NewEnhanceHandler(worker.DevLanguageModel{})
	maintenance := worker.NewMaintenanceHandler(cfg, st, worker.DevMailer{})

	processor.Register(models.TypeFileValidate, media.Validate)
	processor.Register(models.TypeFileStore, media.Store)
	processor.Register(models.TypeTranscribe, transcription.Transcribe)
	processor.Register(models.TypeSpeakerDiarize, transcription.Diarize)
	processor.Register(models.TypeAIEnhance, enhance.Enhance)
	processor.Register(models.TypeTranslate, enhance.Translate)
	processor.Register(models.TypeGenerateNotes, enhance.GenerateNotes)
	processor.Register(models.TypeCustomPrompt, enhance.CustomPrompt)
	processor.Register(models.TypeCleanupTemp, maintenance.CleanupTemp)
	processor.Register(models.TypeCleanupOldRecords, maintenance.CleanupOldRecords)
	processor.Register(models.TypeUsageReport, maintenance.UsageReport)
	processor.Register(models.TypeDBOptimize, maintenance.DBOptimize)
	processor.Register(models.TypeSendBatchEmail, maintenance.SendBatchEmail)

	dispatcher := dispatch.New(table, prices, st, q, led)
	cron := scheduler.New(dispatcher)
	if err := cron.Start(ctx); err != nil {
		log.Fatalf("start cron: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	manager := worker.NewManager(cfg, q, processor, processor)
	log.Printf("worker pools starting (env=%s concurrency=%d autoscale=%d..%d prefetch=%d recycle=%d)",
		cfg.Env, cfg.Pool.Concurrency, cfg.Pool.AutoscaleMin, cfg.Pool.AutoscaleMax, cfg.Pool.Prefetch, cfg.Pool.RecycleAfter)
	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
