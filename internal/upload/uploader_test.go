package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/recorder"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/storage"
)

type memStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("transient write error")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *memStorage) Delete(ctx context.Context, key string) error     { return nil }
func (m *memStorage) DeletePrefix(ctx context.Context, p string) error { return nil }

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]storage.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var files []storage.FileInfo
	for key, data := range m.objects {
		files = append(files, storage.FileInfo{Key: key, Size: int64(len(data))})
	}
	return files, nil
}

func (m *memStorage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://cdn.example.test/" + key, nil
}

func writeRecording(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webcam_recording_2026_01_15_10_30_00.webm")
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o644))
	return path
}

func artifact(path string) recorder.Artifact {
	return recorder.Artifact{
		FilePath:    path,
		ExamID:      "exam-1",
		BatchID:     "batch-1",
		CandidateID: "cand-1",
		Type:        "webcam",
	}
}

func TestUploadStoresUnderMirroredKey(t *testing.T) {
	store := newMemStorage()
	u := New(store, Config{Workers: 1, KeyPrefix: "recordings"})

	done := make(chan Result, 1)
	u.OnUploaded(func(_ recorder.Artifact, res Result) { done <- res })
	u.Start()
	defer u.Stop()

	path := writeRecording(t)
	require.NoError(t, u.UploadAndSaveRecording(context.Background(), artifact(path)))

	select {
	case res := <-done:
		wantKey := "recordings/webcam/exam-1/batch-1/cand-1/" + filepath.Base(path)
		assert.Equal(t, wantKey, res.ObjectKey)
		assert.Equal(t, "https://cdn.example.test/"+wantKey, res.URL)
		ok, err := store.Exists(context.Background(), wantKey)
		require.NoError(t, err)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("upload never completed")
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	store := newMemStorage()
	store.failures = 2
	u := New(store, Config{Workers: 1, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})

	done := make(chan struct{})
	u.OnUploaded(func(recorder.Artifact, Result) { close(done) })
	u.Start()
	defer u.Stop()

	require.NoError(t, u.UploadAndSaveRecording(context.Background(), artifact(writeRecording(t))))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never succeeded after retries")
	}
}

func TestUploadRejectsWhenQueueFull(t *testing.T) {
	u := New(newMemStorage(), Config{Workers: 1, QueueSize: 1})
	// Workers not started, so the one queue slot fills and stays full.

	path := writeRecording(t)
	require.NoError(t, u.UploadAndSaveRecording(context.Background(), artifact(path)))
	assert.Equal(t, 1, u.QueueLength())

	err := u.UploadAndSaveRecording(context.Background(), artifact(path))
	assert.Error(t, err)
}
