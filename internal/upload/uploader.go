// Package upload ships finished recordings to durable storage. Persistence of
// recording rows and the dedup/retry queue live in the backend; this side
// only uploads the file and reports where it landed.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/recorder"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/storage"
)

// Config holds upload worker configuration.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	KeyPrefix  string
}

// Result reports where a recording landed.
type Result struct {
	URL       string
	ObjectKey string
}

// Uploader pushes recording files to a storage backend with a bounded worker
// pool and per-task retries. It implements recorder.UploadSink.
type Uploader struct {
	storage    storage.Storage
	cfg        Config
	queue      chan recorder.Artifact
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	onUploaded func(recorder.Artifact, Result)
}

// New creates an uploader over the given storage backend.
func New(s storage.Storage, cfg Config) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "recordings"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		storage: s,
		cfg:     cfg,
		queue:   make(chan recorder.Artifact, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnUploaded registers a hook invoked after each successful upload. Must be
// called before Start.
func (u *Uploader) OnUploaded(fn func(recorder.Artifact, Result)) {
	u.onUploaded = fn
}

// Start launches the upload workers.
func (u *Uploader) Start() {
	for i := 0; i < u.cfg.Workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	pkglog.L().Info().Int("workers", u.cfg.Workers).Msg("recording uploader started")
}

// Stop cancels the workers. The queue is left open because session teardown
// may still be enqueueing; tasks not picked up stay on disk for the backend's
// retry queue.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		u.cancel()
		u.wg.Wait()
		pkglog.L().Info().Msg("recording uploader stopped")
	})
}

// UploadAndSaveRecording queues a finished recording.
func (u *Uploader) UploadAndSaveRecording(ctx context.Context, rec recorder.Artifact) error {
	select {
	case u.queue <- rec:
		return nil
	case <-u.ctx.Done():
		return fmt.Errorf("uploader is stopped")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("upload queue is full")
	}
}

func (u *Uploader) worker() {
	defer u.wg.Done()
	for {
		select {
		case rec := <-u.queue:
			u.process(rec)
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *Uploader) process(rec recorder.Artifact) {
	logger := pkglog.L().With().
		Str(pkglog.FieldExamID, rec.ExamID).
		Str(pkglog.FieldBatchID, rec.BatchID).
		Str("file", rec.FilePath).
		Logger()

	key := u.objectKey(rec)
	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(u.cfg.RetryDelay * time.Duration(attempt)):
			case <-u.ctx.Done():
				return
			}
		}

		err := u.uploadFile(u.ctx, rec.FilePath, key)
		if err == nil {
			url, urlErr := u.storage.GetURL(u.ctx, key, 24*time.Hour)
			if urlErr != nil {
				url = key
			}
			logger.Info().Str("object_key", key).Msg("recording uploaded")
			if u.onUploaded != nil {
				u.onUploaded(rec, Result{URL: url, ObjectKey: key})
			}
			return
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("recording upload attempt failed")
	}
	logger.Error().Err(lastErr).Int("attempts", u.cfg.MaxRetries+1).Msg("recording upload failed, leaving file on disk")
}

// objectKey mirrors the on-disk layout under the configured prefix.
func (u *Uploader) objectKey(rec recorder.Artifact) string {
	name := filepath.Base(rec.FilePath)
	return strings.Join([]string{u.cfg.KeyPrefix, rec.Type, rec.ExamID, rec.BatchID, rec.CandidateID, name}, "/")
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if err := u.storage.Write(ctx, key, file, info.Size(), "video/webm"); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

// QueueLength returns the number of pending uploads.
func (u *Uploader) QueueLength() int { return len(u.queue) }

var _ recorder.UploadSink = (*Uploader)(nil)
