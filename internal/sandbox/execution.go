package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Execution is one live (or finished) sandbox run. All exported methods
// are safe for concurrent use.
type Execution struct {
	Tag  uint64
	Mode Mode

	engine      Engine
	cfg         Config
	sink        Sink
	containerID string
	pattern     string // pgrep -f pattern for the payload process
	stream      *AttachStream
	waitCh      <-chan WaitResult

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	awaiting atomic.Bool
	pid      atomic.Int64
	inputCh  chan []byte

	wg       sync.WaitGroup
	killOnce sync.Once
	done     chan struct{}
	result   Result
	started  time.Time
	log      *slog.Logger
}

// Wait blocks until the execution finishes and returns its result.
func (e *Execution) Wait() Result {
	<-e.done
	return e.result
}

// Done is closed when the execution has finished and all of its output
// has been delivered.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Running reports whether the payload is still alive.
func (e *Execution) Running() bool { return e.running.Load() }

// AwaitingInput reports whether an input request is outstanding.
func (e *Execution) AwaitingInput() bool { return e.awaiting.Load() }

// SubmitInput hands one line to a payload blocked on stdin. It reports
// false when no input is being awaited, so unsolicited lines are dropped
// rather than queued against a future read.
func (e *Execution) SubmitInput(line []byte) bool {
	if !e.running.Load() || !e.awaiting.Load() {
		return false
	}
	select {
	case e.inputCh <- line:
		return true
	default:
		return false
	}
}

// Kill stops the execution from outside. Idempotent; the result still
// arrives through Wait.
func (e *Execution) Kill() {
	e.killOnce.Do(e.cancel)
}

// run owns the execution's lifecycle: it waits for the terminal event,
// shuts down the helper goroutines, normalizes the exit code, and only
// then publishes the result, so Wait returning implies all output has
// been delivered.
func (e *Execution) run() {
	code, timedOut := e.await()

	e.running.Store(false)
	e.cancel()
	e.stream.Close()
	e.wg.Wait()

	if code == innerKillCode {
		// timeout(1) killed the payload in-container.
		timedOut = true
	}
	if timedOut {
		code = TimeoutExitCode
	}

	e.result = Result{
		ExitCode: code,
		TimedOut: timedOut,
		Duration: time.Since(e.started),
	}
	close(e.done)

	e.log.Info("execution finished",
		"exit_code", code,
		"timed_out", timedOut,
		"duration", e.result.Duration.Round(time.Millisecond),
	)
}

func (e *Execution) await() (int, bool) {
	watchdog := time.NewTimer(e.cfg.InnerTimeout + e.cfg.OuterGrace)
	defer watchdog.Stop()

	select {
	case res := <-e.waitCh:
		if res.Err != nil {
			e.log.Warn("container wait failed", "error", res.Err)
			return infraExitCode, false
		}
		return res.ExitCode, false
	case <-watchdog.C:
		// The in-container timeout should have fired a grace interval
		// ago; the payload has wedged the container.
		e.log.Warn("watchdog expired, killing container")
		e.destroy()
		return TimeoutExitCode, true
	case <-e.ctx.Done():
		e.destroy()
		return killedExitCode, false
	}
}

// destroy force-kills the container and reaps its wait result so the
// auto-remove cleanup settles before the result is published.
func (e *Execution) destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := e.engine.Kill(ctx, e.containerID); err != nil {
		e.log.Warn("container kill failed", "error", err)
	}
	select {
	case <-e.waitCh:
	case <-ctx.Done():
		e.log.Warn("container did not settle after kill")
	}
}

// feedSource streams the inline snippet over the container's stdin.
// Stdin stays open afterwards: the payload may still want interactive
// input through it.
func (e *Execution) feedSource(source []byte) {
	defer e.wg.Done()
	if _, err := e.stream.Stdin.Write(source); err != nil {
		e.log.Warn("source feed failed", "error", err)
	}
}

// streamOutput forwards the merged stdout/stderr stream to the sink in
// chunks of at most outputChunkSize bytes.
func (e *Execution) streamOutput() {
	defer e.wg.Done()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := e.stream.Output.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.sink.Output(chunk)
		}
		if err != nil {
			return
		}
	}
}
