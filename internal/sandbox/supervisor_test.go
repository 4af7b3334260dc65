package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FAKE ENGINE
// ============================================================================

type execCall struct {
	id    string
	cmd   []string
	stdin []byte
}

type fakeContainer struct {
	spec   ContainerSpec
	stdin  *lockedBuffer
	outR   *io.PipeReader
	outW   *io.PipeWriter
	waitCh chan WaitResult
}

// finish ends the container with the given exit code.
func (c *fakeContainer) finish(code int) {
	c.outW.Close()
	c.waitCh <- WaitResult{ExitCode: code}
}

type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	ctrs    map[string]*fakeContainer
	killed  []string
	removed []string
	execs   []execCall

	// execFn scripts Exec responses. Nil means "pgrep finds nothing".
	execFn func(id string, cmd []string, stdin []byte) (ExecResult, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{ctrs: make(map[string]*fakeContainer)}
}

func (f *fakeEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	pr, pw := io.Pipe()
	f.ctrs[id] = &fakeContainer{
		spec:   spec,
		stdin:  &lockedBuffer{},
		outR:   pr,
		outW:   pw,
		waitCh: make(chan WaitResult, 1),
	}
	return id, nil
}

func (f *fakeEngine) container(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctrs[id]
}

func (f *fakeEngine) Attach(_ context.Context, id string) (*AttachStream, error) {
	c := f.container(id)
	return &AttachStream{
		Output: c.outR,
		Stdin:  c.stdin,
		close: func() {
			c.outW.Close()
			c.outR.Close()
		},
	}, nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error { return nil }

func (f *fakeEngine) Wait(_ context.Context, id string) <-chan WaitResult {
	return f.container(id).waitCh
}

func (f *fakeEngine) Exec(ctx context.Context, id string, cmd []string, stdin []byte) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	f.mu.Lock()
	f.execs = append(f.execs, execCall{
		id:    id,
		cmd:   append([]string(nil), cmd...),
		stdin: append([]byte(nil), stdin...),
	})
	fn := f.execFn
	f.mu.Unlock()
	if fn == nil {
		return ExecResult{ExitCode: 1}, nil
	}
	return fn(id, cmd, stdin)
}

func (f *fakeEngine) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	select {
	case f.container(id).waitCh <- WaitResult{ExitCode: 137}:
	default:
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

// injection returns the recorded stdin-injection exec, if any.
func (f *fakeEngine) injection() *execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.execs {
		if f.execs[i].cmd[0] == "sh" {
			return &f.execs[i]
		}
	}
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Close() error { return nil }

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// ============================================================================
// CAPTURE SINK
// ============================================================================

type captureSink struct {
	mu      sync.Mutex
	chunks  [][]byte
	inputs  int
	inputCh chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{inputCh: make(chan struct{}, 1)}
}

func (s *captureSink) Output(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
}

func (s *captureSink) InputNeeded() {
	s.mu.Lock()
	s.inputs++
	s.mu.Unlock()
	select {
	case s.inputCh <- struct{}{}:
	default:
	}
}

func (s *captureSink) output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, c := range s.chunks {
		all = append(all, c...)
	}
	return all
}

func (s *captureSink) inputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs
}

func (s *captureSink) chunkSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.chunks))
	for i, c := range s.chunks {
		sizes[i] = len(c)
	}
	return sizes
}

func newTestSupervisor(f *fakeEngine, cfg Config) *Supervisor {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(f, cfg, log)
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond}
}

// ============================================================================
// TESTS
// ============================================================================

func TestInlineExecutionStreamsOutput(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	source := []byte("print('hello')\n")
	e, err := sup.Start(Request{Mode: ModeInline, Source: source}, sink)
	require.NoError(t, err)

	c := f.container(e.containerID)
	_, err = c.outW.Write([]byte("hello\n"))
	require.NoError(t, err)
	c.finish(0)

	res := e.Wait()
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "hello\n", string(sink.output()))
	assert.False(t, e.Running())
}

func TestInlineContainerSpec(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	source := []byte("x = input()\nprint(x)\n")
	e, err := sup.Start(Request{Mode: ModeInline, Source: source}, sink)
	require.NoError(t, err)

	c := f.container(e.containerID)
	spec := c.spec
	assert.Equal(t, DefaultImage, spec.Image)
	assert.Equal(t, "n-1", spec.Name)
	assert.Equal(t, DefaultWorkDir, spec.WorkDir)
	assert.Equal(t, int64(DefaultNanoCPUs), spec.NanoCPUs)
	assert.Equal(t, int64(DefaultMemoryBytes), spec.MemoryBytes)
	assert.Equal(t, int64(DefaultPidsLimit), spec.PidsLimit)
	assert.Empty(t, spec.Binds)

	require.Len(t, spec.Cmd, 3)
	assert.Equal(t, "sh", spec.Cmd[0])
	assert.Equal(t, "-c", spec.Cmd[1])
	want := fmt.Sprintf("head -c %d > script.py && timeout 60s python3 -u script.py", len(source))
	assert.Equal(t, want, spec.Cmd[2])

	// The snippet travels over stdin, not through the command line.
	require.Eventually(t, func() bool {
		return bytes.Equal(c.stdin.Bytes(), source)
	}, time.Second, 5*time.Millisecond)

	c.finish(0)
	e.Wait()
}

func TestStoredModeContainerSpec(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{
		Mode:     ModeStored,
		Path:     "project/main.py",
		MountDir: "/srv/workspaces/u1",
	}, sink)
	require.NoError(t, err)

	c := f.container(e.containerID)
	assert.Equal(t, []string{
		"timeout", "60s", "python3", "-u", "/home/sandboxuser/app/project/main.py",
	}, c.spec.Cmd)
	assert.Equal(t, []string{"/srv/workspaces/u1:/home/sandboxuser/app:ro"}, c.spec.Binds)
	assert.Empty(t, c.stdin.Bytes())

	c.finish(0)
	e.Wait()
}

func TestStoredModeRequestValidation(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())

	_, err := sup.Start(Request{Mode: ModeStored, MountDir: "/srv/ws"}, newCaptureSink())
	assert.ErrorIs(t, err, ErrMissingPath)

	_, err = sup.Start(Request{Mode: ModeStored, Path: "main.py"}, newCaptureSink())
	assert.ErrorIs(t, err, ErrMissingMount)

	// Neither reached the engine.
	assert.Equal(t, 0, f.seq)
}

func TestOutputChunkBound(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("print('x'*3000)")}, sink)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 3000)
	c := f.container(e.containerID)
	_, err = c.outW.Write(payload)
	require.NoError(t, err)
	c.finish(0)

	e.Wait()
	assert.Equal(t, payload, sink.output())
	for _, size := range sink.chunkSizes() {
		assert.LessOrEqual(t, size, outputChunkSize)
	}
}

func TestInnerTimeoutReportsSentinel(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("while True: pass")}, sink)
	require.NoError(t, err)

	// timeout(1) kills the payload and exits 124.
	f.container(e.containerID).finish(124)

	res := e.Wait()
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)
}

func TestWatchdogKillsWedgedContainer(t *testing.T) {
	f := newFakeEngine()
	cfg := fastConfig()
	cfg.InnerTimeout = 30 * time.Millisecond
	cfg.OuterGrace = 20 * time.Millisecond
	sup := newTestSupervisor(f, cfg)
	sink := newCaptureSink()

	// The container never reports an exit on its own.
	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("import os; os.fork()")}, sink)
	require.NoError(t, err)

	res := e.Wait()
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)

	f.mu.Lock()
	killed := append([]string(nil), f.killed...)
	f.mu.Unlock()
	assert.Equal(t, []string{e.containerID}, killed)
}

func TestKillTerminatesExecution(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("input()")}, sink)
	require.NoError(t, err)
	require.True(t, e.Running())

	e.Kill()
	e.Kill() // idempotent

	res := e.Wait()
	assert.Equal(t, killedExitCode, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, e.Running())

	f.mu.Lock()
	killedCount := len(f.killed)
	f.mu.Unlock()
	assert.Equal(t, 1, killedCount)
}

func TestInputRequestAndInjection(t *testing.T) {
	f := newFakeEngine()
	var injected atomic.Bool
	f.execFn = func(id string, cmd []string, stdin []byte) (ExecResult, error) {
		switch cmd[0] {
		case "pgrep":
			return ExecResult{Stdout: []byte("12\n")}, nil
		case "ps":
			if injected.Load() {
				return ExecResult{Stdout: []byte("R\n")}, nil
			}
			return ExecResult{Stdout: []byte("S\n")}, nil
		case "sh":
			injected.Store(true)
			return ExecResult{}, nil
		}
		return ExecResult{ExitCode: 1}, nil
	}

	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("print(input())")}, sink)
	require.NoError(t, err)

	select {
	case <-sink.inputCh:
	case <-time.After(time.Second):
		t.Fatal("no input request")
	}
	require.True(t, e.AwaitingInput())

	// One request stays outstanding no matter how many polls pass.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.inputCount())

	require.True(t, e.SubmitInput([]byte("alice")))

	require.Eventually(t, func() bool {
		return f.injection() != nil
	}, time.Second, 5*time.Millisecond)
	inj := f.injection()
	assert.Equal(t, []string{"sh", "-c", "cat > /proc/12/fd/0"}, inj.cmd)
	assert.Equal(t, "alice\n", string(inj.stdin))
	assert.False(t, e.AwaitingInput())

	f.container(e.containerID).finish(0)
	res := e.Wait()
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, sink.inputCount())
}

func TestUnsolicitedInputDropped(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("print('no input')")}, sink)
	require.NoError(t, err)

	assert.False(t, e.SubmitInput([]byte("unwanted")))

	f.container(e.containerID).finish(0)
	e.Wait()
	assert.False(t, e.SubmitInput([]byte("too late")))
	assert.Nil(t, f.injection())
}

func TestContainerNamesAreUnique(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())

	e1, err := sup.Start(Request{Mode: ModeInline, Source: []byte("pass")}, newCaptureSink())
	require.NoError(t, err)
	e2, err := sup.Start(Request{Mode: ModeInline, Source: []byte("pass")}, newCaptureSink())
	require.NoError(t, err)

	c1 := f.container(e1.containerID)
	c2 := f.container(e2.containerID)
	assert.Equal(t, "n-1", c1.spec.Name)
	assert.Equal(t, "n-2", c2.spec.Name)
	assert.NotEqual(t, e1.Tag, e2.Tag)

	c1.finish(0)
	c2.finish(0)
	e1.Wait()
	e2.Wait()
}

func TestWaitReturnsAfterAllOutput(t *testing.T) {
	f := newFakeEngine()
	sup := newTestSupervisor(f, fastConfig())
	sink := newCaptureSink()

	e, err := sup.Start(Request{Mode: ModeInline, Source: []byte("print('tail')")}, sink)
	require.NoError(t, err)

	c := f.container(e.containerID)
	_, err = c.outW.Write([]byte(strings.Repeat("tail\n", 100)))
	require.NoError(t, err)
	c.finish(0)

	e.Wait()
	// Everything written before the exit is visible once Wait returns.
	assert.Len(t, sink.output(), 500)
}
