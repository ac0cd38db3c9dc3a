package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/archive"
	"github.com/mediacloud/story-fetcher/pkg/batchworker"
	"github.com/mediacloud/story-fetcher/pkg/blobstore"
	"github.com/mediacloud/story-fetcher/pkg/config"
	"github.com/mediacloud/story-fetcher/pkg/debugserver"
	"github.com/mediacloud/story-fetcher/pkg/httpx"
	"github.com/mediacloud/story-fetcher/pkg/logger"
	"github.com/mediacloud/story-fetcher/pkg/story"
	"github.com/mediacloud/story-fetcher/pkg/telemetry"
	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

const stageName = "archiver"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if err := config.ValidateForProduction(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "production config validation failed:", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	ctx := context.Background()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	recorder := telemetry.NewRecorder(cfg.ServiceName)

	broker, err := transport.Dial(cfg.Broker.RabbitMQURL)
	if err != nil {
		log.Error("failed to dial broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close() //nolint:errcheck

	workDir, err := os.MkdirTemp("", "story-fetcher-archiver-*")
	if err != nil {
		log.Error("failed to create archive work dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	hostname, _ := os.Hostname()
	ar := &archiver{
		workDir:  workDir,
		hostname: hostname,
		logger:   log,
		stats:    recorder,
	}

	bw := batchworker.New(batchworker.Config{
		Config: worker.Config{
			Name:         stageName,
			BrokerURL:    cfg.Broker.RabbitMQURL,
			DeploymentID: cfg.Broker.DeploymentID,
			Logger:       log,
			Stats:        recorder,
		},
		BatchSize:    cfg.Batch.BatchSize,
		BatchSeconds: cfg.Batch.BatchSeconds,
	}, ar.endOfBatch)

	healthChecks := httpx.HealthChecks{Broker: broker}
	debugRouter := debugserver.NewRouter(debugserver.Config{
		ServiceName:        cfg.ServiceName,
		IsDevelopment:      cfg.Environment == config.EnvDevelopment,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log,
		MetricsHandler:     metricsHandler,
		HealthChecks:       healthChecks,
		WorkerName:         stageName,
		Broker:             broker,
	})
	srv := httpx.NewServer(":8080", debugRouter)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server failed", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- bw.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("archiver shutting down")
	case err := <-runErr:
		if err != nil {
			log.Error("archiver worker stopped with error", "error", err)
			os.Exit(1)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := bw.Stop(stopCtx); err != nil {
		log.Error("archiver stop failed", "error", err)
		os.Exit(1)
	}
	_ = srv.Close()
	log.Info("archiver stopped")
}

// archiver adapts a batch of InputMessages into a single WARC file,
// uploaded to every configured blobstore on success.
type archiver struct {
	workDir  string
	hostname string
	serial   atomic.Int64

	logger logger.Logger
	stats  interface {
		IncrCounter(name string, labels map[string]string)
	}
}

// endOfBatch is a batchworker.EndOfBatchFunc: it writes every Story in
// the batch to one archive file and uploads it to every blobstore the
// ARCHIVE store has credentials for. A story that can't be archived
// (no URL or HTML) is a permanent failure for that one message, not
// the whole batch — it is logged and skipped rather than failing the
// batch, since retrying an unfetched story will never produce a URL
// or HTML.
func (a *archiver) endOfBatch(ctx context.Context, msgs []transport.InputMessage) error {
	w, err := archive.New(archive.Config{
		Prefix:   "mc",
		Hostname: a.hostname,
		Serial:   int(a.serial.Add(1)),
		WorkDir:  a.workDir,
	})
	if err != nil {
		return fmt.Errorf("archiver: open archive: %w", err)
	}

	for _, im := range msgs {
		st, err := story.Load(im.Body)
		if err != nil {
			a.logger.Error("archiver: decode story failed", "error", err)
			continue
		}
		if err := w.WriteStory(st); err != nil {
			var storyErr *archive.StoryError
			if errors.As(err, &storyErr) {
				a.logger.Warn("archiver: story skipped", "reason", storyErr.Reason)
				a.stats.IncrCounter("archive.skipped", map[string]string{"reason": storyErr.Reason})
				continue
			}
			w.Remove()
			return fmt.Errorf("archiver: write story: %w", err)
		}
	}

	if w.Stories() == 0 {
		a.logger.Info("archiver: empty batch, discarding archive file")
		return w.Remove()
	}

	if err := w.Finish(); err != nil {
		return fmt.Errorf("archiver: finish archive: %w", err)
	}

	if err := a.upload(ctx, w); err != nil {
		return err
	}

	a.stats.IncrCounter("archive.files", map[string]string{"status": "success"})
	a.logger.Info("archiver: archive written", "file", w.Filename(), "stories", w.Stories(), "size", w.Size())
	return nil
}

func (a *archiver) upload(ctx context.Context, w *archive.Writer) error {
	stores := blobstore.Stores("archive")
	if len(stores) == 0 {
		a.logger.Warn("archiver: no blobstore configured, leaving archive on local disk", "file", w.FullPath())
		return nil
	}

	dateShard := w.Timestamp().UTC().Format("2006/01/02")
	key := fmt.Sprintf("%s/%s", dateShard, w.Filename())

	var firstErr error
	for _, store := range stores {
		if err := store.UploadFile(ctx, w.FullPath(), key); err != nil {
			a.logger.Error("archiver: upload failed", "provider", store.Provider(), "bucket", store.Bucket(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.logger.Info("archiver: uploaded", "provider", store.Provider(), "bucket", store.Bucket(), "key", key)
	}
	return firstErr
}
