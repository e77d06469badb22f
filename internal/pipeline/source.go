package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/timeutil"
)

// ErrMalformedFrame marks a single unreadable frame. The source remains
// usable after returning it.
var ErrMalformedFrame = errors.New("malformed detection frame")

// maxFrameLine bounds a single JSON-lines record.
const maxFrameLine = 1 << 20

// Source yields detection frames in arrival order. Next returns io.EOF once
// the source is exhausted.
type Source interface {
	Next(ctx context.Context) (sorting.DetectionFrame, error)
}

// ReplaySource reads detection frames from JSON lines, one frame per line.
// It stands in for a live detector during development and bench tests.
type ReplaySource struct {
	scan     *bufio.Scanner
	closer   io.Closer
	clock    timeutil.Clock
	interval time.Duration
	started  bool

	readOnce  sync.Once
	closeOnce sync.Once
	lines     chan replayLine
	done      chan struct{}
}

// replayLine is one non-blank record, or the reader's terminal error.
type replayLine struct {
	n    int
	data []byte
	err  error
}

// NewReplaySource reads frames from r. When interval is positive, frames
// after the first are released one interval apart. Frames without a
// timestamp are stamped with the clock's current time.
func NewReplaySource(r io.Reader, interval time.Duration, clock timeutil.Clock) *ReplaySource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), maxFrameLine)
	s := &ReplaySource{
		scan:     scan,
		clock:    clock,
		interval: interval,
		lines:    make(chan replayLine),
		done:     make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenReplay opens a JSON-lines replay file.
func OpenReplay(path string, interval time.Duration) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", path, err)
	}
	return NewReplaySource(f, interval, nil), nil
}

// read scans the input until it is exhausted or the source is closed. The
// scan blocks on the reader, so it runs apart from Next, which must stay
// responsive to cancellation.
func (s *ReplaySource) read() {
	defer close(s.lines)
	n := 0
	for s.scan.Scan() {
		n++
		raw := bytes.TrimSpace(s.scan.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		select {
		case s.lines <- replayLine{n: n, data: bytes.Clone(raw)}:
		case <-s.done:
			return
		}
	}
	if err := s.scan.Err(); err != nil {
		select {
		case s.lines <- replayLine{err: err}:
		case <-s.done:
		}
	}
}

func (s *ReplaySource) Next(ctx context.Context) (sorting.DetectionFrame, error) {
	if s.started && s.interval > 0 {
		select {
		case <-s.clock.After(s.interval):
		case <-ctx.Done():
			return sorting.DetectionFrame{}, ctx.Err()
		}
	}
	s.started = true
	s.readOnce.Do(func() { go s.read() })

	var line replayLine
	select {
	case l, ok := <-s.lines:
		if !ok {
			return sorting.DetectionFrame{}, io.EOF
		}
		line = l
	case <-ctx.Done():
		return sorting.DetectionFrame{}, ctx.Err()
	}
	if line.err != nil {
		return sorting.DetectionFrame{}, fmt.Errorf("read replay: %w", line.err)
	}

	var frame sorting.DetectionFrame
	if err := json.Unmarshal(line.data, &frame); err != nil {
		return sorting.DetectionFrame{}, fmt.Errorf("%w: line %d: %v", ErrMalformedFrame, line.n, err)
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = s.clock.Now()
	}
	if frame.FrameID == "" {
		frame.FrameID = fmt.Sprintf("replay-%d", line.n)
	}
	return frame, nil
}

// Close stops the reader and releases the underlying reader if it is
// closable.
func (s *ReplaySource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ChannelSource receives frames pushed by an in-process detector. Closing
// the channel exhausts the source.
type ChannelSource struct {
	frames <-chan sorting.DetectionFrame
}

func NewChannelSource(frames <-chan sorting.DetectionFrame) *ChannelSource {
	return &ChannelSource{frames: frames}
}

func (s *ChannelSource) Next(ctx context.Context) (sorting.DetectionFrame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return sorting.DetectionFrame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return sorting.DetectionFrame{}, ctx.Err()
	}
}
