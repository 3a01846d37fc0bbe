package main

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

	"github.com/filingworks/presubmit/internal/assembler"
	"github.com/filingworks/presubmit/internal/dispatch"
	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/pipeline"
	"github.com/filingworks/presubmit/internal/platform/dblock"
	"github.com/filingworks/presubmit/internal/platform/env"
	"github.com/filingworks/presubmit/internal/platform/httpserver"
	platformstore "github.com/filingworks/presubmit/internal/platform/objectstore"
	"github.com/filingworks/presubmit/internal/platform/postgres"
	"github.com/filingworks/presubmit/internal/repo"
	repopg "github.com/filingworks/presubmit/internal/repo/postgres"
	"github.com/filingworks/presubmit/internal/storage/objectstore"
	"github.com/filingworks/presubmit/internal/transmitter"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SUBMIT_HTTP_ADDR", ":8086")
	shutdownTimeout, err := env.Duration("SUBMIT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	minioClient, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if err := platformstore.CheckBucket(ctx, minioClient, storeCfg); err != nil {
		logger.Error("object store bucket check failed", "error", err)
		os.Exit(1)
	}
	store, err := objectstore.NewMinioStoreWithClient(minioClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	batches := repopg.NewBatchStore(db)
	submissions := repopg.NewSubmissionStore(db)
	pods := repopg.NewPodStore(db)
	locks := dblock.New(db)

	pod, err := resolvePodIdentity(ctx, pods)
	if err != nil {
		logger.Error("pod identity unresolved", "error", err)
		os.Exit(1)
	}
	logger.Info("pod identity resolved", "pod_id", pod.PodID, "asid", pod.ASID, "region", pod.Region)

	txCfg, err := transmitter.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid transmitter config", "error", err)
		os.Exit(2)
	}
	client, err := transmitter.NewHTTPClient(txCfg, pod)
	if err != nil {
		logger.Error("transmitter client init failed", "error", err)
		os.Exit(1)
	}

	pollCfg, err := transmitter.PollerConfigFromEnv()
	if err != nil {
		logger.Error("invalid poller config", "error", err)
		os.Exit(2)
	}
	health := transmitter.NewHealth(pollCfg.StaleAfter)
	poller := transmitter.NewPoller(logger, client, health, pollCfg)

	// Confirm reachability once before the scheduler may touch any
	// batch. An unreachable transmitter is recorded, not fatal; the
	// poller heals the flag when the transmitter returns.
	if poller.CheckOnce(ctx) {
		logger.Info("transmitter reachable")
	}
	go poller.Run(ctx)

	asmCfg, err := assembler.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid batching config", "error", err)
		os.Exit(2)
	}
	asm := assembler.New(logger, batches, submissions, locks, asmCfg)

	handler := dispatch.NewHandler(logger, asm)
	consumerCfg, err := dispatch.ConsumerConfigFromEnv()
	if err != nil {
		logger.Error("invalid consumer config", "error", err)
		os.Exit(2)
	}
	consumer, err := dispatch.NewConsumer(logger, handler, consumerCfg)
	if err != nil {
		logger.Error("dispatch consumer init failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("dispatch consumer stopped", "error", err)
		}
	}()

	actions := pipeline.NewActions(logger, batches, submissions, store, storeCfg.Bucket, client)
	runnerCfg, err := pipeline.RunnerConfigFromEnv()
	if err != nil {
		logger.Error("invalid runner config", "error", err)
		os.Exit(2)
	}
	runner := pipeline.NewRunner(logger, batches, submissions, asm, actions, locks, health, runnerCfg)
	go runner.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("submit"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"submit",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "transmitter",
				Check: func(context.Context) error {
					if !health.Healthy() {
						return errors.New("transmitter unhealthy or probe stale")
					}
					return nil
				},
			},
		),
	)

	cfg := httpserver.Config{
		Service:         "submit",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// resolvePodIdentity looks this pod up in the pod_identifier table.
// The table is populated out of band; env values back it up for local
// runs against a transmitter stub.
func resolvePodIdentity(ctx context.Context, pods repo.PodRepository) (domain.PodIdentifier, error) {
	hostname, _ := os.Hostname()
	podID := env.String("SUBMIT_POD_ID", hostname)

	pod, err := pods.GetPod(ctx, podID)
	if err == nil {
		return pod, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PodIdentifier{}, fmt.Errorf("lookup pod %s: %w", podID, err)
	}

	pod = domain.PodIdentifier{
		PodID:  podID,
		ASID:   env.String("SUBMIT_FALLBACK_ASID", ""),
		Region: env.String("SUBMIT_FALLBACK_REGION", ""),
	}
	if err := pod.Validate(); err != nil {
		return domain.PodIdentifier{}, fmt.Errorf("pod %s not registered and no fallback identity: %w", podID, err)
	}
	return pod, nil
}
