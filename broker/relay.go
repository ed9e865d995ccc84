package broker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/procbroker/child"
	"github.com/guseggert/procbroker/frame"
	"github.com/guseggert/procbroker/internal/memguard"
	"go.uber.org/zap"
)

// Relay moves frames between one host channel and at most one child.
//
// A goroutine decodes host frames and another set of goroutines, owned by the supervisor, read
// child output and reap the child. Everything else, including every child state transition and
// every write to the host, happens on the goroutine running Run.
type Relay struct {
	log      *zap.SugaredLogger
	cfg      *Config
	in       io.Reader
	enc      *frame.Encoder
	guard    *memguard.Guard
	sup      *child.Supervisor
	notifier *notifier

	// pendingRun is started once the child being replaced has been reported.
	pendingRun *frame.Message
}

type Option func(r *Relay)

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) {
		r.log = l.Named("relay").Sugar()
	}
}

func WithConfig(c *Config) Option {
	return func(r *Relay) {
		r.cfg = c
	}
}

func WithGuard(g *memguard.Guard) Option {
	return func(r *Relay) {
		r.guard = g
	}
}

// NewRelay builds a relay reading host frames from in and writing frames to out.
func NewRelay(in io.Reader, out io.Writer, opts ...Option) *Relay {
	r := &Relay{
		log: zap.NewNop().Sugar(),
		cfg: DefaultConfig(),
		in:  in,
		enc: frame.NewEncoder(out),
	}
	for _, o := range opts {
		o(r)
	}
	if r.guard == nil {
		r.guard = memguard.New(r.cfg.MaxInboundFrame, frame.MaxRawForFrame(r.cfg.MaxOutboundFrame))
	}
	r.notifier = &notifier{enc: r.enc, log: r.log}
	r.sup = child.NewSupervisor(
		child.WithLogger(r.log.Named("supervisor")),
		child.WithKillGrace(r.cfg.KillGrace),
		child.WithDrainTimeout(r.cfg.DrainTimeout),
		child.WithReadChunk(r.readChunk),
		child.WithStdinLimit(r.guard.InboundBound),
	)
	return r
}

// readChunk bounds one forwarded read by available memory and by what fits in one outbound frame.
func (r *Relay) readChunk() int {
	n := r.guard.ReadChunk()
	if max := frame.MaxRawForFrame(r.cfg.MaxOutboundFrame); n > max {
		n = max
	}
	return n
}

type hostFrame struct {
	msg *frame.Message
	err error
}

// readHost decodes host frames in order until the channel fails. It cannot be interrupted while
// blocked on the input, so it is not waited for; it exits once the input is closed or ctx is done.
func (r *Relay) readHost(ctx context.Context, frames chan<- hostFrame) {
	dec := frame.NewDecoder(r.in, r.guard.InboundBound)
	for {
		msg, err := dec.Decode()
		select {
		case frames <- hostFrame{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !recoverable(err) {
			return
		}
	}
}

// recoverable reports whether a host frame error leaves the channel positioned at the next frame.
func recoverable(err error) bool {
	return errors.Is(err, frame.ErrMalformedFrame) || errors.Is(err, frame.ErrOversized)
}

// Run relays until the host channel closes or ctx is done.
// Any live child is stopped before Run returns. A host that simply closes its channel is not an error.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan hostFrame)
	go r.readHost(ctx, frames)

	err := r.loop(ctx, frames)
	r.shutdown()
	if errors.Is(err, frame.ErrChannelClosed) {
		r.log.Infow("host channel closed", "Reason", err)
		return nil
	}
	return err
}

func (r *Relay) loop(ctx context.Context, frames <-chan hostFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				if recoverable(f.err) {
					r.log.Warnw("dropping host frame", "Error", f.err)
					continue
				}
				return fmt.Errorf("reading host frame: %w", f.err)
			}
			err := r.handle(f.msg)
			if err != nil {
				return err
			}
		case <-r.sup.Ready():
			err := r.relayChild()
			if err != nil {
				return err
			}
		}
	}
}

// handle applies one host message. Failures talking to the child are logged and absorbed; only
// failures talking to the host are returned.
func (r *Relay) handle(msg *frame.Message) error {
	switch msg.Kind {
	case frame.KindText:
		if !r.sup.Running() || r.pendingRun != nil {
			r.log.Debugw("no child to receive text, dropping", "Bytes", len(msg.Text))
			return nil
		}
		err := r.sup.Write(msg.Text)
		if err != nil {
			r.log.Warnw("unable to forward text to child", "Error", err)
		}
	case frame.KindRun:
		if !r.sup.Running() {
			r.start(msg)
			return nil
		}
		switch r.cfg.OnOverlap {
		case OverlapReplace:
			r.log.Infow("replacing running child", "PID", r.sup.PID(), "Command", msg.Command)
			r.pendingRun = msg
			r.terminate()
		default:
			r.log.Warnw("ignoring run", "Command", msg.Command, "PID", r.sup.PID(), "Error", child.ErrAlreadyRunning)
		}
	case frame.KindKill:
		if r.pendingRun != nil {
			r.log.Infow("kill cancels pending run", "Command", r.pendingRun.Command)
			r.pendingRun = nil
		}
		r.terminate()
	}
	return nil
}

func (r *Relay) start(msg *frame.Message) {
	pid, err := r.sup.Start(msg.Command, msg.Args)
	if err != nil {
		r.log.Warnw("unable to start child", "Command", msg.Command, "Args", msg.Args, "Error", err)
		return
	}
	r.log.Infow("started child", "PID", pid, "Command", msg.Command, "Args", msg.Args)
}

func (r *Relay) terminate() {
	err := r.sup.Terminate(true)
	if err != nil {
		r.log.Warnw("unable to terminate child", "PID", r.sup.PID(), "Error", err)
	}
}

// relayChild forwards at most one chunk of output and then reports the exit if the child is done.
func (r *Relay) relayChild() error {
	b := r.sup.ReadOutput(r.readChunk())
	if len(b) > 0 {
		err := r.enc.WriteData(b)
		if err != nil {
			return err
		}
	}

	status, ok := r.sup.PollExit()
	if !ok {
		return nil
	}
	err := r.notifier.exited(status)
	if err != nil {
		return err
	}

	if next := r.pendingRun; next != nil {
		r.pendingRun = nil
		r.start(next)
	}
	return nil
}

func (r *Relay) shutdown() {
	r.pendingRun = nil
	if !r.sup.Running() {
		return
	}
	r.log.Infow("stopping child", "PID", r.sup.PID())
	err := r.sup.Close()
	if err != nil {
		r.log.Warnw("error stopping child", "Error", err)
	}
}
