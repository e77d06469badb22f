package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/serialmux"
	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type recordingSink struct {
	mu       sync.Mutex
	events   []sorting.ItemClassified
	sessions []sorting.SessionSnapshot
	err      error
}

func (s *recordingSink) RecordClassification(ev sorting.ItemClassified) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) RecordSession(snap sorting.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, snap)
	return s.err
}

type failingSource struct{ err error }

func (s failingSource) Next(context.Context) (sorting.DetectionFrame, error) {
	return sorting.DetectionFrame{}, s.err
}

func newSession(t *testing.T) *sorting.Session {
	t.Helper()
	stability := sorting.DefaultStabilityPolicy()
	stability.StabilityThreshold = 0
	s, err := sorting.NewSession(sorting.SessionOptions{
		ID:        "test",
		Clock:     timeutil.NewMockClock(epoch),
		Cooldown:  &sorting.CooldownPolicy{},
		Stability: &stability,
	})
	require.NoError(t, err)
	return s
}

func newRunner(t *testing.T, src Source) (*Runner, *serialmux.TestableSerialPort, *monitoring.Metrics, *recordingSink) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	metrics := monitoring.NewMetrics()
	sink := &recordingSink{}
	r, err := NewRunner(Options{
		Session:     newSession(t),
		Source:      src,
		Writer:      serialmux.NewLink(port),
		Metrics:     metrics,
		Sinks:       []EventSink{sink},
		ImageWidth:  640,
		ImageHeight: 480,
	})
	require.NoError(t, err)
	return r, port, metrics, sink
}

func detection(cat sorting.Category, x, y float64) sorting.DetectionFrame {
	return sorting.NewDetectionFrame("f", 640, 480, time.Time{}, cat, 0.9, x, y)
}

func TestRunner_ReplayEndToEnd(t *testing.T) {
	replay := `{"category":"Kitchen_waste","confidence":0.9,"x":0.5,"y":0.5}
{"category":"Kitchen_waste","confidence":0.9,"x":0.5,"y":0.5}
{"category":"Kitchen_waste","confidence":0.9,"x":0.5,"y":0.5}
{}
{"category":1,"confidence":0.8,"x":0.25,"y":0.75}
{"category":1,"confidence":0.8,"x":0.25,"y":0.75}
`
	r, port, metrics, sink := newRunner(t, NewReplaySource(strings.NewReader(replay), 0, nil))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []byte{1, 127, 127, 2, 63, 191}, port.GetWrittenData())

	snap := r.Snapshot()
	assert.Equal(t, sorting.StatusStopped, snap.Status, "exhausted source stops the session")
	assert.Equal(t, 640, snap.ImageWidth)
	assert.Equal(t, uint64(6), snap.Statistics.TotalFrames)
	assert.Equal(t, uint64(5), snap.Statistics.TotalDetections)
	assert.Equal(t, uint64(2), snap.Statistics.SerialPacketsSent)
	assert.Equal(t, uint64(1), snap.Counts[sorting.KitchenWaste])
	assert.Equal(t, uint64(1), snap.Counts[sorting.RecyclableWaste])

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, sorting.KitchenWaste, sink.events[0].Category)
	assert.Equal(t, uint8(2), sink.events[1].CategoryID)
	require.Len(t, sink.sessions, 2, "session recorded at start and exit")
	assert.Equal(t, sorting.StatusRunning, sink.sessions[0].Status)
	assert.Equal(t, sorting.StatusStopped, sink.sessions[1].Status)

	assert.Equal(t, uint64(2), metrics.SerialPacketsSent.Load())
	assert.Equal(t, uint64(0), metrics.SessionRunning.Load())
}

func TestRunner_MalformedFramesSkipped(t *testing.T) {
	replay := "garbage\n{\"category\":0,\"x\":0.5,\"y\":0.5}\n{\"category\":0,\"x\":0.5,\"y\":0.5}\n"
	r, port, metrics, _ := newRunner(t, NewReplaySource(strings.NewReader(replay), 0, nil))

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, port.GetWrittenData(), 3)

	expected := strings.NewReader(`# HELP sortgate_source_errors_total Detection frames that could not be read or decoded
# TYPE sortgate_source_errors_total counter
sortgate_source_errors_total 1
`)
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), expected, "sortgate_source_errors_total"))
}

func TestRunner_WriteFailureDoesNotRollBack(t *testing.T) {
	replay := "{\"category\":0,\"x\":0.5,\"y\":0.5}\n{\"category\":0,\"x\":0.5,\"y\":0.5}\n"
	r, port, metrics, sink := newRunner(t, NewReplaySource(strings.NewReader(replay), 0, nil))
	port.WriteError = errors.New("cable pulled")

	require.NoError(t, r.Run(context.Background()))

	snap := r.Snapshot()
	assert.Equal(t, uint64(1), snap.Statistics.SerialPacketsSent)
	assert.Equal(t, uint64(1), snap.TotalCount)
	assert.Len(t, sink.events, 1)

	expected := strings.NewReader(`# HELP sortgate_serial_write_errors_total Packets the session decided to send that failed to reach the actuator
# TYPE sortgate_serial_write_errors_total counter
sortgate_serial_write_errors_total 1
`)
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), expected, "sortgate_serial_write_errors_total"))
}

func TestRunner_SinkErrorsCounted(t *testing.T) {
	replay := "{\"category\":0,\"x\":0.5,\"y\":0.5}\n{\"category\":0,\"x\":0.5,\"y\":0.5}\n"
	r, port, metrics, sink := newRunner(t, NewReplaySource(strings.NewReader(replay), 0, nil))
	sink.err = errors.New("disk full")

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, port.GetWrittenData(), 3, "journal failures do not block the actuator")

	// start, one event, exit
	expected := strings.NewReader(`# HELP sortgate_journal_errors_total Classification events that could not be journaled
# TYPE sortgate_journal_errors_total counter
sortgate_journal_errors_total 3
`)
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), expected, "sortgate_journal_errors_total"))
}

func TestRunner_PauseDrainsSource(t *testing.T) {
	frames := make(chan sorting.DetectionFrame)
	r, port, _, _ := newRunner(t, NewChannelSource(frames))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// Each send on the unbuffered channel completes only once the previous
	// frame has been handled.
	frames <- detection(sorting.KitchenWaste, 0.5, 0.5)
	frames <- detection(sorting.KitchenWaste, 0.5, 0.5)
	frames <- sorting.NewEmptyFrame("e", 640, 480, time.Time{})

	require.NoError(t, r.Pause())
	frames <- detection(sorting.OtherWaste, 0.1, 0.1)
	frames <- detection(sorting.OtherWaste, 0.1, 0.1)
	frames <- sorting.NewEmptyFrame("e", 640, 480, time.Time{})
	require.NoError(t, r.Resume())
	close(frames)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap.Statistics.TotalDetections, "paused frames are not processed")
	assert.Equal(t, uint64(0), snap.Counts[sorting.OtherWaste])
	assert.Equal(t, []byte{1, 127, 127}, port.GetWrittenData())
}

func TestRunner_ContextCancel(t *testing.T) {
	r, _, _, _ := newRunner(t, NewChannelSource(make(chan sorting.DetectionFrame)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Snapshot().Status == sorting.StatusRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}
	assert.Equal(t, sorting.StatusCancelled, r.Snapshot().Status)
}

func TestRunner_StopUnblocksSource(t *testing.T) {
	r, _, _, _ := newRunner(t, NewChannelSource(make(chan sorting.DetectionFrame)))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool { return r.Snapshot().Status == sorting.StatusRunning }, time.Second, time.Millisecond)

	require.NoError(t, r.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after Stop")
	}
	assert.Equal(t, sorting.StatusStopped, r.Snapshot().Status)
	assert.ErrorIs(t, r.Stop(), sorting.ErrInvalidSessionState)
	assert.ErrorIs(t, r.Pause(), sorting.ErrInvalidSessionState)
}

func TestRunner_StopUnblocksIdleReplay(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewReplaySource(pr, 0, nil)
	defer src.Close()
	r, _, _, _ := newRunner(t, src)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool { return r.Snapshot().Status == sorting.StatusRunning }, time.Second, time.Millisecond)

	require.NoError(t, r.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner stayed blocked on a silent replay input")
	}
	assert.Equal(t, sorting.StatusStopped, r.Snapshot().Status)
}

func TestRunner_RefusedTransitionLogged(t *testing.T) {
	r, _, _, _ := newRunner(t, NewReplaySource(strings.NewReader(""), 0, nil))
	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, sorting.StatusStopped, r.Snapshot().Status)

	var lines []string
	monitoring.SetLogger(func(format string, v ...any) { lines = append(lines, fmt.Sprintf(format, v...)) })
	defer monitoring.SetLogger(nil)

	r.transition("cancel", r.session.Cancel)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "cancel refused")
	assert.Equal(t, sorting.StatusStopped, r.Snapshot().Status)
}

func TestRunner_SourceFailure(t *testing.T) {
	boom := errors.New("camera gone")
	r, _, _, _ := newRunner(t, failingSource{err: boom})

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)

	snap := r.Snapshot()
	assert.Equal(t, sorting.StatusError, snap.Status)
	assert.Contains(t, snap.LastError, "camera gone")
}

func TestRunner_StabilityReport(t *testing.T) {
	replay := `{"category":0,"confidence":0.9,"x":0.5,"y":0.5,"timestamp":"2025-03-01T12:00:00Z"}
{"category":0,"confidence":0.7,"x":0.5,"y":0.5,"timestamp":"2025-03-01T12:00:01Z"}
{}
`
	r, _, _, _ := newRunner(t, NewReplaySource(strings.NewReader(replay), 0, nil))
	assert.Equal(t, sorting.StabilityReport{}, r.StabilityReport(), "no history yet")

	require.NoError(t, r.Run(context.Background()))

	report := r.StabilityReport()
	assert.True(t, report.IsStable)
	assert.Equal(t, 2, report.ConsecutiveMatches)
	assert.Equal(t, time.Second, report.TrackingDuration)
	assert.InDelta(t, 0.8, report.ConfidenceScore, 1e-9)
	assert.True(t, report.ShouldClassify)
	assert.Equal(t, sorting.DefaultStabilityPolicy().PositionTolerance, r.StabilityPolicy().PositionTolerance)
	assert.Len(t, r.Tracked(), 1)
}

func TestRunner_HistoryBounded(t *testing.T) {
	frames := make(chan sorting.DetectionFrame, 10)
	for range 10 {
		frames <- detection(sorting.KitchenWaste, 0.5, 0.5)
	}
	close(frames)

	r, err := NewRunner(Options{
		Session:     newSession(t),
		Source:      NewChannelSource(frames),
		Writer:      serialmux.NewDisabledLink(),
		HistorySize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.Len(t, r.history, 4)
	assert.Equal(t, 4, r.StabilityReport().ConsecutiveMatches)
}

func TestNewRunner_Validation(t *testing.T) {
	s := newSession(t)
	src := NewChannelSource(nil)
	w := serialmux.NewDisabledLink()

	for name, opts := range map[string]Options{
		"no session": {Source: src, Writer: w},
		"no source":  {Session: s, Writer: w},
		"no writer":  {Session: s, Source: src},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewRunner(opts)
			assert.Error(t, err)
		})
	}
}
