// Package sandbox runs untrusted Python payloads in throwaway containers.
//
// The Supervisor creates one container per execution, streams its merged
// output to a Sink in bounded chunks, watches for the payload blocking on
// stdin, and enforces a two-layer timeout: an in-container timeout(1)
// wrapper plus an out-of-band watchdog one grace interval later.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync/atomic"
	"time"
)

// Mode selects where the payload source comes from.
type Mode string

const (
	// ModeInline runs a snippet shipped with the request. The source is
	// streamed over the container's stdin, never through a shell line.
	ModeInline Mode = "inline"

	// ModeStored runs a file from the user's workspace, bind-mounted
	// read-only into the container.
	ModeStored Mode = "stored"
)

const (
	// TimeoutExitCode is the sentinel reported for any execution stopped
	// by the time limit, whichever layer enforced it.
	TimeoutExitCode = 3

	// innerKillCode is what timeout(1) exits with after killing the
	// payload.
	innerKillCode = 124

	// infraExitCode is reported when the runtime loses the container
	// before delivering a real status.
	infraExitCode = 125

	// killedExitCode is reported when the execution is killed from
	// outside, e.g. the owning session disconnected.
	killedExitCode = 137
)

const (
	containerPrefix = "n-"
	scriptName      = "script.py"
	outputChunkSize = 1024
	destroyTimeout  = 10 * time.Second
)

// Defaults for Config zero values.
const (
	DefaultImage        = "python_runner"
	DefaultWorkDir      = "/home/sandboxuser"
	DefaultMountPath    = "/home/sandboxuser/app"
	DefaultInnerTimeout = 60 * time.Second
	DefaultOuterGrace   = 1 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultNanoCPUs     = 500_000_000 // half a core
	DefaultMemoryBytes  = 128 << 20
	DefaultPidsLimit    = 64
)

var (
	ErrMissingPath  = errors.New("sandbox: stored mode needs a file path")
	ErrMissingMount = errors.New("sandbox: stored mode needs a mount directory")
)

// Config tunes the Supervisor. Zero values fall back to the defaults
// above.
type Config struct {
	Image        string
	WorkDir      string
	MountPath    string
	InnerTimeout time.Duration
	OuterGrace   time.Duration
	PollInterval time.Duration
	NanoCPUs     int64
	MemoryBytes  int64
	PidsLimit    int64
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.MountPath == "" {
		c.MountPath = DefaultMountPath
	}
	if c.InnerTimeout <= 0 {
		c.InnerTimeout = DefaultInnerTimeout
	}
	if c.OuterGrace <= 0 {
		c.OuterGrace = DefaultOuterGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = DefaultNanoCPUs
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = DefaultMemoryBytes
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = DefaultPidsLimit
	}
	return c
}

// Request describes one execution.
type Request struct {
	Mode Mode

	// Source is the inline snippet. Inline only.
	Source []byte

	// Path is the workspace-relative file to run, already validated by
	// the caller. Stored only.
	Path string

	// MountDir is the host directory holding the user's workspace.
	// Stored only.
	MountDir string
}

// Result is the terminal state of an execution.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Sink receives execution events. Output chunks arrive in production
// order; InputNeeded fires at most once per unanswered stdin block.
// Sinks may block: a slow Output stalls the streamer but never the
// timeout clock, and the result is only published once the sink has
// taken every chunk.
type Sink interface {
	Output(chunk []byte)
	InputNeeded()
}

// Supervisor launches and tracks executions. Safe for concurrent use.
type Supervisor struct {
	engine Engine
	cfg    Config
	log    *slog.Logger

	tags atomic.Uint64
}

// NewSupervisor wires a Supervisor to a container engine.
func NewSupervisor(engine Engine, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		engine: engine,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// Start creates a container for req and launches it. The returned
// Execution is already live: output is flowing to sink and the timeout
// clock is running.
func (s *Supervisor) Start(req Request, sink Sink) (*Execution, error) {
	if req.Mode == ModeStored {
		if req.Path == "" {
			return nil, ErrMissingPath
		}
		if req.MountDir == "" {
			return nil, ErrMissingMount
		}
	}

	tag := s.tags.Add(1)
	name := containerPrefix + strconv.FormatUint(tag, 10)
	spec, pattern := s.containerSpec(req, name)

	ctx, cancel := context.WithCancel(context.Background())

	id, err := s.engine.Create(ctx, spec)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	// Attach before Start so the first bytes of output cannot be lost,
	// and arm Wait before Start so a fast exit cannot be missed.
	stream, err := s.engine.Attach(ctx, id)
	if err != nil {
		s.removeOrphan(id)
		cancel()
		return nil, fmt.Errorf("attach sandbox: %w", err)
	}
	waitCh := s.engine.Wait(ctx, id)

	if err := s.engine.Start(ctx, id); err != nil {
		stream.Close()
		s.removeOrphan(id)
		cancel()
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	e := &Execution{
		Tag:  tag,
		Mode: req.Mode,

		engine:      s.engine,
		cfg:         s.cfg,
		sink:        sink,
		containerID: id,
		pattern:     pattern,
		stream:      stream,
		waitCh:      waitCh,
		ctx:         ctx,
		cancel:      cancel,
		inputCh:     make(chan []byte, 1),
		done:        make(chan struct{}),
		started:     time.Now(),
		log:         s.log.With("container", name),
	}
	e.running.Store(true)

	if req.Mode == ModeInline {
		e.wg.Add(1)
		go e.feedSource(req.Source)
	}
	e.wg.Add(3)
	go e.streamOutput()
	go e.resolvePID()
	go e.monitorInput()
	go e.run()

	e.log.Info("execution started", "mode", req.Mode)
	return e, nil
}

// containerSpec maps a request onto a ContainerSpec plus the pgrep
// pattern that finds the payload process.
func (s *Supervisor) containerSpec(req Request, name string) (ContainerSpec, string) {
	spec := ContainerSpec{
		Image:       s.cfg.Image,
		Name:        name,
		WorkDir:     s.cfg.WorkDir,
		NanoCPUs:    s.cfg.NanoCPUs,
		MemoryBytes: s.cfg.MemoryBytes,
		PidsLimit:   s.cfg.PidsLimit,
	}
	inner := strconv.Itoa(int(s.cfg.InnerTimeout/time.Second)) + "s"

	if req.Mode == ModeStored {
		target := path.Join(s.cfg.MountPath, req.Path)
		spec.Cmd = []string{"timeout", inner, "python3", "-u", target}
		spec.Binds = []string{req.MountDir + ":" + s.cfg.MountPath + ":ro"}
		return spec, target
	}

	// Inline: head copies exactly the snippet's bytes from stdin into a
	// file, then the interpreter runs it. The source never touches the
	// command line, so it cannot break out of the shell string.
	spec.Cmd = []string{"sh", "-c", fmt.Sprintf(
		"head -c %d > %s && timeout %s python3 -u %s",
		len(req.Source), scriptName, inner, scriptName,
	)}
	return spec, scriptName
}

func (s *Supervisor) removeOrphan(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := s.engine.Remove(ctx, id); err != nil {
		s.log.Warn("orphan container cleanup failed", "id", id, "error", err)
	}
}
