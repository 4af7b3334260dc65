package sandbox

import (
	"context"
	"io"
)

// ContainerSpec is everything the engine needs to create one sandbox
// container.
type ContainerSpec struct {
	Image       string
	Name        string
	Cmd         []string
	WorkDir     string
	Binds       []string // host:container:ro bind mounts
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// AttachStream is the stdio of a container: stdout and stderr merged into
// one byte stream, plus an open stdin.
type AttachStream struct {
	Output io.Reader
	Stdin  io.WriteCloser

	close func()
}

// NewAttachStream builds an AttachStream for an Engine implementation;
// closeFn must unblock pending reads and writes on both sides.
func NewAttachStream(output io.Reader, stdin io.WriteCloser, closeFn func()) *AttachStream {
	return &AttachStream{Output: output, Stdin: stdin, close: closeFn}
}

// Close tears down both directions and unblocks pending reads and writes.
func (s *AttachStream) Close() {
	if s.close != nil {
		s.close()
	}
}

// WaitResult is the terminal state of a container.
type WaitResult struct {
	ExitCode int
	Err      error
}

// ExecResult is the outcome of one command run inside a container.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Engine abstracts the container runtime. The production implementation is
// the Docker adapter; tests substitute a scripted fake.
type Engine interface {
	// Create builds a stopped container and returns its engine id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Attach opens the container's stdio. Called before Start so no output
	// is lost.
	Attach(ctx context.Context, id string) (*AttachStream, error)

	// Start launches the container process.
	Start(ctx context.Context, id string) error

	// Wait delivers the container's terminal state on the returned channel.
	// Armed before Start so a fast exit cannot be missed.
	Wait(ctx context.Context, id string) <-chan WaitResult

	// Exec runs cmd inside the running container, optionally feeding stdin,
	// and returns its output and exit code.
	Exec(ctx context.Context, id string, cmd []string, stdin []byte) (ExecResult, error)

	// Kill force-stops the container process.
	Kill(ctx context.Context, id string) error

	// Remove force-removes a container that never started; started ones
	// remove themselves on exit.
	Remove(ctx context.Context, id string) error
}
