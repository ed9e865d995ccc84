package child

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start while a child is live.
	ErrAlreadyRunning = errors.New("child already running")
	// ErrNotRunning is returned by Write when there is no child to write to.
	ErrNotRunning = errors.New("no child running")
)

// SpawnError is returned when a child could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

const (
	defaultKillGrace    = 5 * time.Second
	defaultDrainTimeout = 500 * time.Millisecond
	defaultReadChunk    = 32 * 1024
)

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithKillGrace sets how long a graceful terminate waits before killing the child.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killGrace = d
	}
}

// WithDrainTimeout sets how long output is still read after the child exits.
// Output can stay open past exit when the child leaves descendants holding the pipe.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.drainTimeout = d
	}
}

// WithReadChunk sets the function that sizes each read of child output.
func WithReadChunk(f func() int) Option {
	return func(s *Supervisor) {
		s.readChunk = f
	}
}

// WithStdinLimit sets the function that bounds how many bytes may wait in the stdin queue.
func WithStdinLimit(f func() int) Option {
	return func(s *Supervisor) {
		s.stdinLimit = f
	}
}

// Supervisor owns the lifecycle of at most one child process. It is not goroutine-safe.
type Supervisor struct {
	log          *zap.SugaredLogger
	killGrace    time.Duration
	drainTimeout time.Duration
	readChunk    func() int
	stdinLimit   func() int

	ready chan struct{}
	cur   *proc
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:          zap.NewNop().Sugar(),
		killGrace:    defaultKillGrace,
		drainTimeout: defaultDrainTimeout,
		readChunk:    func() int { return defaultReadChunk },
		ready:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready receives a value whenever output, output EOF or process exit may be pending.
// Values are coalesced; after a receive the caller should call ReadOutput and PollExit.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

func (s *Supervisor) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Running reports whether a child is live or has exited without being reported by PollExit yet.
func (s *Supervisor) Running() bool {
	return s.cur != nil
}

// PID returns the pid of the current child, or 0.
func (s *Supervisor) PID() int {
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

// Start spawns command with args, a single command-line string split into argv with shell quoting rules.
func (s *Supervisor) Start(command string, args string) (int, error) {
	if s.cur != nil {
		return 0, ErrAlreadyRunning
	}

	argv, err := shellwords.Parse(args)
	if err != nil {
		return 0, &SpawnError{Command: command, Err: fmt.Errorf("parsing args: %w", err)}
	}

	// os.Pipe creates close-on-exec descriptors. exec.Cmd dups only the files it is given onto
	// fds 0-2 of the child, so the broker's ends are never inherited.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return 0, &SpawnError{Command: command, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return 0, &SpawnError{Command: command, Err: fmt.Errorf("creating output pipe: %w", err)}
	}

	cmd := exec.Command(command, argv...)
	cmd.Stdin = stdinR
	cmd.Stdout = outW
	cmd.Stderr = outW
	setProcAttr(cmd)

	err = cmd.Start()
	stdinR.Close()
	outW.Close()
	if err != nil {
		stdinW.Close()
		outR.Close()
		return 0, &SpawnError{Command: command, Err: err}
	}

	log := s.log.With("PID", cmd.Process.Pid)
	p := &proc{
		log:    log,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		out:    outR,
		chunks: make(chan []byte, 1),
		exited: make(chan struct{}),
		quit:   make(chan struct{}),
		stdin:  newStdinWriter(log.Named("stdin_writer"), stdinW, s.stdinLimit),
	}
	s.cur = p

	go p.stdin.run()
	go p.pump(s.readChunk, s.wake)
	go p.wait(s.drainTimeout, s.wake)

	log.Debugw("started child", "Command", command, "Args", argv)
	return p.pid, nil
}

// Write queues b for the child's stdin. It never blocks on the child.
func (s *Supervisor) Write(b []byte) error {
	if s.cur == nil {
		return ErrNotRunning
	}
	return s.cur.stdin.enqueue(b)
}

// ReadOutput returns up to max bytes of output that are already available, without blocking.
// It returns nil if nothing is available or there is no child.
// A UTF-8 sequence is not split across two reads unless max is smaller than the sequence; an
// incomplete sequence at the end of the output so far is held back until more output arrives or
// output ends.
func (s *Supervisor) ReadOutput(max int) []byte {
	p := s.cur
	if p == nil || max <= 0 {
		return nil
	}
	if !p.outDone && incompleteTail(p.pending) == len(p.pending) {
		select {
		case b, ok := <-p.chunks:
			if !ok {
				p.outDone = true
			} else if len(p.pending) == 0 {
				p.pending = b
			} else {
				p.pending = append(p.pending[:len(p.pending):len(p.pending)], b...)
			}
		default:
		}
	}
	if len(p.pending) == 0 {
		return nil
	}

	n := len(p.pending)
	if n > max {
		n = max
	}
	if n < len(p.pending) || !p.outDone {
		tail := incompleteTail(p.pending[:n])
		switch {
		case tail < n:
			n -= tail
		case n == len(p.pending):
			// only the start of a sequence so far, wait for the rest
			return nil
		}
	}
	out := p.pending[:n]
	p.pending = p.pending[n:]

	// there may be more behind this chunk, so come back around
	s.wake()
	return out
}

// incompleteTail returns the length of the UTF-8 sequence that b ends with if that sequence is
// valid so far but truncated, or 0.
func incompleteTail(b []byte) int {
	for k := 1; k <= utf8.UTFMax-1 && k <= len(b); k++ {
		start := b[len(b)-k:]
		if utf8.RuneStart(start[0]) {
			if utf8.FullRune(start) {
				return 0
			}
			return k
		}
	}
	return 0
}

// PollExit returns the child's exit status once it has exited and all of its output has been
// returned by ReadOutput. The child is released at that point, so each child is reported exactly once.
func (s *Supervisor) PollExit() (int, bool) {
	p := s.cur
	if p == nil {
		return 0, false
	}
	select {
	case <-p.exited:
	default:
		return 0, false
	}
	if !p.outDone || len(p.pending) > 0 {
		return 0, false
	}

	s.cur = nil
	p.release()
	p.log.Debugw("child reaped", "Status", p.status)
	return p.status, true
}

// Terminate requests the child to stop and returns immediately; the exit is observed later via PollExit.
// With force the child is killed. Otherwise it is asked to stop and killed if it is still running
// after the kill grace period, or straight away where graceful stop is not supported.
// Terminate is a no-op when there is no child.
func (s *Supervisor) Terminate(force bool) error {
	p := s.cur
	if p == nil || p.hasExited() {
		return nil
	}
	if force {
		p.log.Debug("killing child")
		return p.kill()
	}

	if p.terminating {
		return nil
	}
	err := p.interrupt()
	if err != nil {
		p.log.Debugw("graceful stop failed, killing child", "Error", err)
		return p.kill()
	}
	p.terminating = true
	grace := s.killGrace
	time.AfterFunc(grace, func() {
		if p.hasExited() {
			return
		}
		p.log.Debugw("child did not stop within grace period, killing", "Grace", grace)
		if err := p.kill(); err != nil {
			p.log.Debugw("error killing child", "Error", err)
		}
	})
	return nil
}

// Close stops any child, gracefully first, waits until it has exited and releases it without
// reporting the exit. It blocks for at most the kill grace period plus the drain timeout.
func (s *Supervisor) Close() error {
	p := s.cur
	if p == nil {
		return nil
	}
	s.cur = nil

	err := s.terminateFor(p)
	<-p.exited
	p.release()
	return err
}

func (s *Supervisor) terminateFor(p *proc) error {
	if p.hasExited() {
		return nil
	}
	if err := p.interrupt(); err != nil {
		return p.kill()
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(s.killGrace):
	}
	return p.kill()
}

// exitStatus maps a process state to the status reported to the host. A child killed by a signal
// reports 128+signal, like a shell does.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
