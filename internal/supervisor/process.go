package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"render-export/internal/logging"
	"render-export/internal/procgroup"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	// Reader yields frames written by the worker.
	Reader() io.Reader
	// Writer accepts frames for the worker.
	Writer() io.Writer
	// Wait blocks until the worker exits. A nil error means a clean exit.
	Wait() error
	// Kill forcibly terminates the worker.
	Kill() error
	// Pid returns the OS process ID, or 0 for in-process workers.
	Pid() int
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(name string) (Process, error)
}

// ExecLauncher starts workers as child processes speaking the protocol
// on stdin/stdout. Worker stderr is forwarded to the log, one entry per line.
type ExecLauncher struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
}

// Launch starts one worker process.
func (l ExecLauncher) Launch(name string) (Process, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(append(os.Environ(), l.Env...), "WORKER_NAME="+name)
	procgroup.Setup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", l.Path, err)
	}

	logging.Debug("Started worker %s (pid %d)", name, cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logging.NewLineWriter(name, logging.LevelInfo).Pipe(stderr)
	}()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderrDone: stderrDone}, nil
}

// killGrace is how long a worker asked to stop may take to tear down its
// renderer before its whole process group is killed.
var killGrace = 2 * time.Second

type execProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderrDone chan struct{}

	mu        sync.Mutex
	exited    bool
	killTimer *time.Timer
}

func (p *execProcess) Reader() io.Reader { return p.stdout }
func (p *execProcess) Writer() io.Writer { return p.stdin }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	_ = p.stdin.Close()
	<-p.stderrDone
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()
	return err
}

// Kill sends SIGTERM to the worker's process group, which makes the worker
// kill its renderer's group, then SIGKILL to whatever remains after
// killGrace.
func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited || p.killTimer != nil {
		return nil
	}

	if err := procgroup.Terminate(p.cmd); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return procgroup.Kill(p.cmd)
	}
	p.killTimer = time.AfterFunc(killGrace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.exited {
			return
		}
		if err := procgroup.Kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logging.Warn("Failed to kill worker process group %d: %v", p.cmd.Process.Pid, err)
		}
	})
	return nil
}

// ServeFunc runs the worker side of the protocol until the stream closes.
type ServeFunc func(ctx context.Context, r io.Reader, w io.Writer) error

// InProcessLauncher runs workers as goroutines connected by pipes. It is
// used when worker isolation is not required and by tests.
type InProcessLauncher struct {
	Serve ServeFunc
}

var errKilled = errors.New("worker killed")

// Launch starts one in-process worker.
func (l InProcessLauncher) Launch(name string) (Process, error) {
	if l.Serve == nil {
		return nil, errors.New("in-process launcher has no serve function")
	}

	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipeProcess{
		hostR:   hostR,
		hostW:   hostW,
		workerR: workerR,
		workerW: workerW,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		err := l.Serve(ctx, workerR, workerW)
		_ = workerW.Close()
		_ = workerR.Close()
		p.err = err
		close(p.done)
	}()

	logging.Debug("Started in-process worker %s", name)
	return p, nil
}

type pipeProcess struct {
	hostR   *io.PipeReader
	hostW   *io.PipeWriter
	workerR *io.PipeReader
	workerW *io.PipeWriter
	cancel  context.CancelFunc

	killOnce sync.Once
	done     chan struct{}
	err      error
}

func (p *pipeProcess) Reader() io.Reader { return p.hostR }
func (p *pipeProcess) Writer() io.Writer { return p.hostW }
func (p *pipeProcess) Pid() int          { return 0 }

func (p *pipeProcess) Wait() error {
	<-p.done
	_ = p.hostW.Close()
	return p.err
}

func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		_ = p.hostW.CloseWithError(errKilled)
		_ = p.workerW.CloseWithError(errKilled)
	})
	return nil
}
