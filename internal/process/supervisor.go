// Package process spawns and supervises downloader subprocesses. Every handle
// is owned by exactly one reader which must drain Lines and then call Wait.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a terminated process may take to exit
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

// maxLineSize bounds one yielded line. Longer output is yielded in chunks
// of this size.
const maxLineSize = 1024 * 1024

// ErrSpawn is wrapped by every SpawnError.
var ErrSpawn = errors.New("spawn failed")

// SpawnError reports why a subprocess could not be started.
type SpawnError struct {
	Command string
	Dir     string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Dir != "" {
		return fmt.Sprintf("spawn %s in %s: %v", e.Command, e.Dir, e.Err)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// Supervisor keeps the mapping from task id to live process handle.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*Handle
	grace time.Duration
}

// NewSupervisor creates a supervisor. A non-positive grace uses
// DefaultGracePeriod.
func NewSupervisor(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		procs: make(map[string]*Handle),
		grace: grace,
	}
}

// Spawn starts command with args in dir and registers it under id. Stdout
// and stderr are merged into the handle's line stream.
func (s *Supervisor) Spawn(id, command string, args []string, dir string) (*Handle, error) {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, &SpawnError{Command: command, Dir: dir, Err: err}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Command: command, Dir: dir, Err: fmt.Errorf("not a directory")}
		}
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Dir: dir, Err: err}
	}
	// Same *os.File for both streams keeps the original interleaving.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: command, Dir: dir, Err: err}
	}

	h := &Handle{
		id:     id,
		cmd:    cmd,
		stdout: stdout,
		grace:  s.grace,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[id] = h
	s.mu.Unlock()

	return h, nil
}

// Get returns the live handle registered under id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[id]
	return h, ok
}

// Terminate signals the process registered under id and detaches it from
// the map. It reports whether a handle was found.
func (s *Supervisor) Terminate(id string) bool {
	s.mu.Lock()
	h, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	h.Terminate()
	return true
}

// TerminateAll signals every registered process and returns how many were
// signalled.
func (s *Supervisor) TerminateAll() int {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for id, h := range s.procs {
		handles = append(handles, h)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
	return len(handles)
}

// Remove drops the entry for id if it still points at h.
func (s *Supervisor) Remove(id string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.procs[id]; ok && cur == h {
		delete(s.procs, id)
	}
}

// Count returns the number of registered processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Handle is one spawned subprocess.
type Handle struct {
	id     string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	grace  time.Duration

	linesOnce sync.Once
	termOnce  sync.Once
	waitOnce  sync.Once

	done       chan struct{}
	exitCode   int
	waitErr    error
	terminated bool
	readErr    error
	mu         sync.Mutex
}

// ID returns the task id the handle was spawned for.
func (h *Handle) ID() string { return h.id }

// Pid returns the operating system process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Lines yields output lines until the process closes its output. Only the
// first call yields anything. Output left unread when the loop stops early
// or the read fails is discarded, so the process never blocks on a full
// pipe.
func (h *Handle) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		first := false
		h.linesOnce.Do(func() { first = true })
		if !first {
			return
		}
		scanner := bufio.NewScanner(h.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		scanner.Split(scanLines)
		defer h.drain(scanner)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
	}
}

func (h *Handle) drain(scanner *bufio.Scanner) {
	err := scanner.Err()
	if _, cerr := io.Copy(io.Discard, h.stdout); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	if err != nil {
		h.mu.Lock()
		h.readErr = err
		h.mu.Unlock()
	}
}

// Err returns the error that stopped Lines early, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readErr
}

// Terminate asks the process to stop and kills it after the grace period.
// Calling it again, or after the process exited, does nothing.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()

		_ = signalTerminate(h.cmd)

		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				_ = signalKill(h.cmd)
			}
		}()
	})
}

// Terminated reports whether Terminate sent a signal.
func (h *Handle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Wait reaps the process and returns its exit code. A process killed by a
// signal reports -1. Repeated calls return the same result.
func (h *Handle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.exitCode = 0
		case errors.As(err, &exitErr):
			h.exitCode = exitErr.ExitCode()
		default:
			h.exitCode = -1
			h.waitErr = err
		}
		close(h.done)
	})
	return h.exitCode, h.waitErr
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// scanLines splits on \n and also on bare \r, which downloaders use to
// redraw progress in place. A line that fills maxLineSize without a
// terminator is returned as is.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		switch b {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if i+1 == len(data) && !atEOF && len(data) < maxLineSize {
				// need one more byte to tell \r from \r\n
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF || len(data) >= maxLineSize {
		return len(data), data, nil
	}
	return 0, nil, nil
}
