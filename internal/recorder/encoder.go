package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

// Encoder is a managed child process that captures RTP described by an SDP
// descriptor into an output file. Stop is safe to call any number of times.
type Encoder interface {
	Start() error
	WaitReady(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

// EncoderSpec is everything needed to spawn one encoder.
type EncoderSpec struct {
	FFmpegPath   string
	SDPPath      string
	OutputPath   string
	Ports        []int
	ReadyTimeout time.Duration
}

// EncoderFactory builds encoders; tests substitute a fake.
type EncoderFactory func(spec EncoderSpec) Encoder

const stopGrace = 3 * time.Second

type ffmpegEncoder struct {
	spec  EncoderSpec
	probe PortProbe

	cmd      *exec.Cmd
	done     chan struct{}
	stopOnce sync.Once
}

// NewFFmpegEncoder is the production EncoderFactory.
func NewFFmpegEncoder(spec EncoderSpec) Encoder {
	return &ffmpegEncoder{spec: spec, probe: BindProbe, done: make(chan struct{})}
}

func (e *ffmpegEncoder) Start() error {
	if err := os.MkdirAll(filepath.Dir(e.spec.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	ffmpeg := e.spec.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	args := []string{
		"-nostdin",
		"-loglevel", "error",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", e.spec.SDPPath,
		"-c", "copy",
		"-y", e.spec.OutputPath,
	}

	logger := pkglog.L().With().Str("output", e.spec.OutputPath).Logger()
	e.cmd = exec.Command(ffmpeg, args...)
	e.cmd.Stderr = logger
	e.cmd.Stdout = logger

	if err := e.cmd.Start(); err != nil {
		close(e.done)
		return fmt.Errorf("start encoder: %w", err)
	}

	go func() {
		err := e.cmd.Wait()
		if err != nil {
			logger.Debug().Err(err).Msg("encoder exited")
		}
		close(e.done)
	}()
	return nil
}

// WaitReady polls until the encoder has bound every descriptor port. A port
// that stops probing as free means ffmpeg opened its RTP listener there.
func (e *ffmpegEncoder) WaitReady(ctx context.Context) error {
	timeout := e.spec.ReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		bound := true
		for _, port := range e.spec.Ports {
			if e.probe(port) {
				bound = false
				break
			}
		}
		if bound {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("encoder not ready: %w", ctx.Err())
		case <-e.done:
			return fmt.Errorf("encoder exited before binding ports")
		case <-ticker.C:
		}
	}
}

// Stop asks the encoder to finish its output, then kills it if it lingers.
func (e *ffmpegEncoder) Stop() {
	e.stopOnce.Do(func() {
		if e.cmd == nil || e.cmd.Process == nil {
			return
		}
		_ = e.cmd.Process.Signal(os.Interrupt)
		select {
		case <-e.done:
		case <-time.After(stopGrace):
			_ = e.cmd.Process.Kill()
			<-e.done
		}
	})
}

func (e *ffmpegEncoder) Done() <-chan struct{} { return e.done }
