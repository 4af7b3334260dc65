package sandbox

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// resolvePID finds the payload's in-container PID. The payload sits a
// couple of forks below the container entrypoint, so the first attempts
// can come up empty; retry until the container dies.
func (e *Execution) resolvePID() {
	defer e.wg.Done()
	for {
		// -n picks the newest match: the pattern also matches the
		// timeout(1) wrapper (and the shell in inline mode), and those
		// are all older than the interpreter.
		res, err := e.engine.Exec(e.ctx, e.containerID, []string{"pgrep", "-n", "-f", e.pattern}, nil)
		if err == nil && res.ExitCode == 0 {
			pid, perr := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
			if perr == nil && pid > 0 {
				e.pid.Store(pid)
				e.log.Debug("payload pid resolved", "pid", pid)
				return
			}
		}
		select {
		case <-e.ctx.Done():
			return
		case <-e.tick():
		}
	}
}

// monitorInput polls the payload's process state and, when it looks
// blocked on a read, asks the sink for one line and injects it. At most
// one request is outstanding at a time.
func (e *Execution) monitorInput() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.tick():
		}

		pid := e.pid.Load()
		if pid == 0 {
			continue
		}
		if !e.blockedOnRead(pid) {
			continue
		}

		e.awaiting.Store(true)
		e.sink.InputNeeded()

		select {
		case line := <-e.inputCh:
			e.awaiting.Store(false)
			e.injectInput(pid, line)
		case <-e.ctx.Done():
			e.awaiting.Store(false)
			return
		}
	}
}

// blockedOnRead reports whether the process is in interruptible sleep,
// which for a piped-stdin payload almost always means a pending read.
// Sleeping for other reasons trips this too; that is the accepted cost
// of watching a process we cannot instrument.
func (e *Execution) blockedOnRead(pid int64) bool {
	res, err := e.engine.Exec(e.ctx, e.containerID,
		[]string{"ps", "-o", "state=", "-p", strconv.FormatInt(pid, 10)}, nil)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(res.Stdout)), "S")
}

// injectInput writes one newline-terminated line to the payload's stdin
// from inside the container. The line travels as the exec's stdin, so
// its bytes never appear in a command string.
func (e *Execution) injectInput(pid int64, line []byte) {
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("cat > /proc/%d/fd/0", pid)}
	if _, err := e.engine.Exec(e.ctx, e.containerID, cmd, line); err != nil {
		e.log.Warn("input injection failed", "pid", pid, "error", err)
		return
	}
	e.log.Debug("input injected", "pid", pid, "bytes", len(line))
}

func (e *Execution) tick() <-chan time.Time {
	return time.After(e.cfg.PollInterval)
}
