// Package pipeline feeds detection frames through a sorting session and
// forwards the resulting packets to the actuator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/protocol"
	"github.com/banshee-data/sortgate/internal/sorting"
)

// DefaultHistorySize is how many recent detection frames are kept for the
// stability report.
const DefaultHistorySize = 30

var logf = monitoring.Prefixed("pipeline")

// PacketWriter is the part of the actuator link the runner needs.
type PacketWriter interface {
	WritePacket(protocol.Packet) error
}

// EventSink receives every classification emitted by the session.
type EventSink interface {
	RecordClassification(sorting.ItemClassified) error
}

// SessionSink is an optional extension of EventSink notified when the
// session starts and when the runner exits.
type SessionSink interface {
	RecordSession(sorting.SessionSnapshot) error
}

// Options configures a Runner.
type Options struct {
	Session *sorting.Session
	Source  Source
	Writer  PacketWriter
	// Metrics may be nil.
	Metrics *monitoring.Metrics
	Sinks   []EventSink
	// ImageWidth and ImageHeight are passed to Session.Initialize when the
	// session has not been initialized yet.
	ImageWidth  int
	ImageHeight int
	HistorySize int
}

// Runner owns a session. All session access goes through the runner's
// mutex so the control API can act between frames.
type Runner struct {
	mu      sync.Mutex
	session *sorting.Session
	judge   *sorting.StabilityJudge
	history []sorting.DetectionFrame
	maxHist int

	source  Source
	writer  PacketWriter
	metrics *monitoring.Metrics
	sinks   []EventSink
	width   int
	height  int

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Session == nil {
		return nil, errors.New("pipeline: session is required")
	}
	if opts.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("pipeline: packet writer is required")
	}
	hist := opts.HistorySize
	if hist <= 0 {
		hist = DefaultHistorySize
	}
	return &Runner{
		session: opts.Session,
		judge:   sorting.NewStabilityJudge(opts.Session.Stability()),
		maxHist: hist,
		source:  opts.Source,
		writer:  opts.Writer,
		metrics: opts.Metrics,
		sinks:   opts.Sinks,
		width:   opts.ImageWidth,
		height:  opts.ImageHeight,
	}, nil
}

// Run starts the session and processes frames until the source is
// exhausted, the session reaches a terminal state or ctx is cancelled.
// Exhaustion stops the session; cancellation cancels it and returns the
// context error.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()

	if err := r.start(); err != nil {
		return err
	}
	defer func() { r.recordSession(r.Snapshot()) }()

	for {
		frame, err := r.source.Next(ctx)
		if err != nil {
			if done, rerr := r.handleSourceError(ctx, err); done {
				return rerr
			}
			continue
		}

		done, err := r.step(frame)
		if err != nil || done {
			return err
		}
	}
}

func (r *Runner) start() error {
	snap, err := r.startSession()
	if err != nil {
		return err
	}
	logf("session %s started", snap.ID)
	r.observe(snap)
	r.recordSession(snap)
	return nil
}

func (r *Runner) startSession() (sorting.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Status() == sorting.StatusIdle && r.width > 0 && r.height > 0 {
		if err := r.session.Initialize(r.width, r.height); err != nil {
			return sorting.SessionSnapshot{}, fmt.Errorf("initialize session: %w", err)
		}
	}
	if err := r.session.Start(); err != nil {
		return sorting.SessionSnapshot{}, fmt.Errorf("start session: %w", err)
	}
	return r.session.Snapshot(), nil
}

// handleSourceError reports whether the loop should exit, and with what.
func (r *Runner) handleSourceError(ctx context.Context, err error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Status().IsTerminal() {
		return true, nil
	}
	switch {
	case errors.Is(err, ErrMalformedFrame):
		logf("skipping frame: %v", err)
		if r.metrics != nil {
			r.metrics.SourceError()
		}
		return false, nil
	case errors.Is(err, io.EOF):
		if r.session.IsRunning() {
			r.transition("stop", r.session.Stop)
		} else {
			r.transition("cancel", r.session.Cancel)
		}
		logf("source exhausted, session %s %s", r.session.ID(), r.session.Status())
		r.observe(r.session.Snapshot())
		return true, nil
	case ctx.Err() != nil:
		r.transition("cancel", r.session.Cancel)
		r.observe(r.session.Snapshot())
		return true, ctx.Err()
	}
	if r.metrics != nil {
		r.metrics.SourceError()
	}
	r.transition("fail", func() error { return r.session.Fail(fmt.Errorf("detection source: %w", err)) })
	r.observe(r.session.Snapshot())
	return true, err
}

// transition applies a lifecycle change the loop expects to succeed and
// logs it when the session refuses.
func (r *Runner) transition(name string, fn func() error) {
	if err := fn(); err != nil {
		logf("session %s: %s refused: %v", r.session.ID(), name, err)
	}
}

// step runs one frame through the session and delivers its outputs.
func (r *Runner) step(frame sorting.DetectionFrame) (bool, error) {
	r.mu.Lock()
	status := r.session.Status()
	if status.IsTerminal() {
		r.mu.Unlock()
		return true, nil
	}
	if status == sorting.StatusPaused {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.FrameSkipped()
		}
		return false, nil
	}

	pkt, err := r.session.ProcessFrame(frame)
	events := r.session.PullEvents()
	if frame.HasDetection() {
		r.remember(frame)
	}
	snap := r.session.Snapshot()
	r.mu.Unlock()

	r.observe(snap)
	if err != nil {
		logf("session %s failed: %v", snap.ID, err)
		return true, err
	}

	if pkt != nil {
		if werr := r.writer.WritePacket(*pkt); werr != nil {
			logf("failed to write packet: %v", werr)
			if r.metrics != nil {
				r.metrics.SerialWriteError()
			}
		}
	}
	for _, ev := range events {
		logf("classified %s as class %d at (%.3f, %.3f)", ev.Category, ev.CategoryID, ev.X, ev.Y)
		for _, sink := range r.sinks {
			if serr := sink.RecordClassification(ev); serr != nil {
				logf("failed to record classification %s: %v", ev.EventID, serr)
				if r.metrics != nil {
					r.metrics.JournalError()
				}
			}
		}
	}
	return false, nil
}

// remember appends frame to the bounded history. Callers hold r.mu.
func (r *Runner) remember(frame sorting.DetectionFrame) {
	if len(r.history) == r.maxHist {
		copy(r.history, r.history[1:])
		r.history = r.history[:len(r.history)-1]
	}
	r.history = append(r.history, frame)
}

func (r *Runner) observe(snap sorting.SessionSnapshot) {
	if r.metrics != nil {
		r.metrics.ObserveSession(snap)
	}
}

func (r *Runner) recordSession(snap sorting.SessionSnapshot) {
	for _, sink := range r.sinks {
		ss, ok := sink.(SessionSink)
		if !ok {
			continue
		}
		if err := ss.RecordSession(snap); err != nil {
			logf("failed to record session %s: %v", snap.ID, err)
			if r.metrics != nil {
				r.metrics.JournalError()
			}
		}
	}
}

// Snapshot returns the current session state.
func (r *Runner) Snapshot() sorting.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Snapshot()
}

// Tracked returns the objects currently tracked by the session.
func (r *Runner) Tracked() []sorting.TrackedObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.TrackedObjects()
}

// StabilityReport evaluates the most recent detection against the frames
// before it. It is diagnostic and does not affect packet decisions.
func (r *Runner) StabilityReport() sorting.StabilityReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return sorting.StabilityReport{}
	}
	last := len(r.history) - 1
	return r.judge.Evaluate(r.history[last], r.history[:last])
}

// StabilityPolicy returns the session's stability policy.
func (r *Runner) StabilityPolicy() sorting.StabilityPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Stability()
}

func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.session.Pause(); err != nil {
		return err
	}
	r.observe(r.session.Snapshot())
	logf("session %s paused", r.session.ID())
	return nil
}

func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.session.Resume(); err != nil {
		return err
	}
	r.observe(r.session.Snapshot())
	logf("session %s resumed", r.session.ID())
	return nil
}

// Stop stops the session and unblocks a Run waiting on its source.
func (r *Runner) Stop() error {
	r.mu.Lock()
	err := r.session.Stop()
	if err == nil {
		r.observe(r.session.Snapshot())
		logf("session %s stopped", r.session.ID())
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.cancelMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancelMu.Unlock()
	return nil
}
