package recorder

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
)

// Status is a recording session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRecording    Status = "recording"
	StatusCleaning     Status = "cleaning"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Session is one encoder capture of a candidate's stream(s). A combined
// session tracks two producers (webcam video + mic audio); the rest track one.
// All resources are torn down exactly once via Cleanup, no matter how many
// paths race to it.
type Session struct {
	ID             string
	RoomID         string
	ConnID         string
	CandidateID    string
	ExamID         string
	BatchID        string
	MediaType      string
	Combined       bool
	CreatedAt      time.Time
	OutputPath     string
	DescriptorPath string

	mu          sync.Mutex
	status      Status
	producerIDs []string
	plain       engine.PlainTransport
	consumers   []engine.Consumer
	encoder     Encoder
	watcher     *outputWatcher

	aborted     atomic.Bool
	cleanupOnce sync.Once
	onFinished  func(s *Session, completed bool)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ProducerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.producerIDs))
	copy(out, s.producerIDs)
	return out
}

// Aborted reports whether teardown has begun. Pipeline construction checks it
// after every blocking step; state observed before a wait is stale after it.
func (s *Session) Aborted() bool { return s.aborted.Load() }

// attach* record a resource on the session so Cleanup can release it. They
// refuse once teardown has started, in which case the caller must release the
// resource itself.

func (s *Session) attachPlain(t engine.PlainTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted.Load() {
		return false
	}
	s.plain = t
	return true
}

func (s *Session) attachConsumer(c engine.Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted.Load() {
		return false
	}
	s.consumers = append(s.consumers, c)
	return true
}

func (s *Session) attachEncoder(e Encoder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted.Load() {
		return false
	}
	s.encoder = e
	return true
}

func (s *Session) attachWatcher(w *outputWatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted.Load() {
		return false
	}
	s.watcher = w
	return true
}

func (s *Session) setDescriptorPath(path string) {
	s.mu.Lock()
	s.DescriptorPath = path
	s.mu.Unlock()
}

func (s *Session) markRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted.Load() || s.status != StatusInitializing {
		return false
	}
	s.status = StatusRecording
	return true
}

// Cleanup tears the session down: stop the encoder, close consumers and the
// plain transport, remove the descriptor, settle the final status. Idempotent
// and safe from any goroutine.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.aborted.Store(true)

		s.mu.Lock()
		s.status = StatusCleaning
		enc := s.encoder
		consumers := s.consumers
		plain := s.plain
		watcher := s.watcher
		descriptor := s.DescriptorPath
		s.mu.Unlock()

		if enc != nil {
			enc.Stop()
		}
		for _, c := range consumers {
			_ = c.Close()
		}
		if plain != nil {
			_ = plain.Close()
		}
		if descriptor != "" {
			_ = os.Remove(descriptor)
		}

		dataSeen := false
		if watcher != nil {
			dataSeen = watcher.DataSeen()
			watcher.Close()
		}

		final := StatusFailed
		if dataSeen {
			final = StatusCompleted
		}
		s.mu.Lock()
		s.status = final
		s.mu.Unlock()

		if s.onFinished != nil {
			s.onFinished(s, final == StatusCompleted)
		}
	})
}

// SessionSnapshot is a read-only view for introspection.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	CandidateID string    `json:"candidateId"`
	ExamID      string    `json:"examId"`
	BatchID     string    `json:"batchId"`
	MediaType   string    `json:"mediaType"`
	Combined    bool      `json:"combined"`
	Status      Status    `json:"status"`
	ProducerIDs []string  `json:"producerIds"`
	OutputPath  string    `json:"outputPath"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.producerIDs))
	copy(ids, s.producerIDs)
	return SessionSnapshot{
		ID:          s.ID,
		RoomID:      s.RoomID,
		CandidateID: s.CandidateID,
		ExamID:      s.ExamID,
		BatchID:     s.BatchID,
		MediaType:   s.MediaType,
		Combined:    s.Combined,
		Status:      s.status,
		ProducerIDs: ids,
		OutputPath:  s.OutputPath,
		CreatedAt:   s.CreatedAt,
	}
}
