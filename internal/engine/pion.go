package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

// Options configure the pion-backed engine.
type Options struct {
	// ListenIP is the local address media transports bind to.
	ListenIP string
	// AnnouncedIP, when set, is advertised to clients as the host candidate
	// address instead of the private interface address.
	AnnouncedIP string
	// PortMin/PortMax bound the UDP range used by media transports.
	PortMin uint16
	PortMax uint16
	// RestartDelay is how long the engine waits before the single worker
	// restart attempt.
	RestartDelay time.Duration
}

// DefaultOptions returns the engine defaults used when config leaves the
// media section empty.
func DefaultOptions() Options {
	return Options{
		ListenIP:     "0.0.0.0",
		PortMin:      40000,
		PortMax:      49999,
		RestartDelay: 2 * time.Second,
	}
}

// PionEngine implements Engine on top of pion/webrtc ORTC primitives. It owns
// a single worker; routers share the worker's transport settings but carry
// their own media engine so codec state never leaks between rooms.
type PionEngine struct {
	opts Options

	mu        sync.Mutex
	worker    *worker
	restarted bool
	closed    bool
}

// worker holds the process-wide transport settings. Rebuilding it is what a
// restart means for an in-process engine.
type worker struct {
	settings webrtc.SettingEngine
}

// NewPionEngine builds the engine and starts its worker.
func NewPionEngine(opts Options) (*PionEngine, error) {
	e := &PionEngine{opts: opts}

	w, err := newWorker(opts)
	if err != nil {
		return nil, engineErr("create worker", err)
	}
	e.worker = w

	return e, nil
}

func newWorker(opts Options) (*worker, error) {
	se := webrtc.SettingEngine{}

	if opts.PortMin != 0 || opts.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, err
		}
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if opts.ListenIP != "" && opts.ListenIP != "0.0.0.0" {
		listen := net.ParseIP(opts.ListenIP)
		if listen == nil {
			return nil, fmt.Errorf("bad listen ip %q", opts.ListenIP)
		}
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}

	return &worker{settings: se}, nil
}

// CreateRouter builds a router for one room. While the worker is down it
// fails with ErrWorkerDown; existing routers are unaffected.
func (e *PionEngine) CreateRouter(ctx context.Context) (Router, error) {
	e.mu.Lock()
	w := e.worker
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, engineErr("create router", ErrWorkerDown)
	}
	if w == nil {
		return nil, engineErr("create router", ErrWorkerDown)
	}

	r, err := newPionRouter(w)
	if err != nil {
		return nil, engineErr("create router", err)
	}
	return r, nil
}

// NotifyWorkerDied marks the worker dead and schedules exactly one restart
// attempt after the configured delay. A second death report while the worker
// is already down is ignored.
func (e *PionEngine) NotifyWorkerDied(cause error) {
	e.mu.Lock()
	if e.worker == nil || e.closed {
		e.mu.Unlock()
		return
	}
	e.worker = nil
	alreadyRestarted := e.restarted
	e.restarted = true
	e.mu.Unlock()

	log := pkglog.L()
	log.Warn().Err(cause).Msg("media worker died")

	if alreadyRestarted {
		log.Error().Msg("media worker died again after restart, giving up")
		return
	}

	time.AfterFunc(e.opts.RestartDelay, func() {
		w, err := newWorker(e.opts)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("media worker restart failed")
			return
		}
		e.worker = w
		log.Info().Msg("media worker restarted")
	})
}

// WorkerAlive reports whether new routers can currently be created.
func (e *PionEngine) WorkerAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker != nil && !e.closed
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.worker = nil
	return nil
}
