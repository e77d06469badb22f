package sorting

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sortgate/internal/protocol"
	"github.com/banshee-data/sortgate/internal/timeutil"
)

const (
	// DefaultNoDetectionTick is the time credited to the reset timer for each
	// frame without a detection, assuming a 30 fps camera.
	DefaultNoDetectionTick = 33 * time.Millisecond
	// DefaultTrackExpiry is how long a tracked object may go without a
	// matching detection before it is released.
	DefaultTrackExpiry = 5 * time.Second
)

// DefaultClassMapping maps each base category onto actuator bins 1 through 4.
func DefaultClassMapping() map[Category]uint8 {
	return map[Category]uint8{
		KitchenWaste:    1,
		RecyclableWaste: 2,
		HazardousWaste:  3,
		OtherWaste:      4,
	}
}

// SessionOptions configures a Session. Zero values select defaults.
type SessionOptions struct {
	// ID identifies the session; a random UUID is used when empty.
	ID string
	// ClassMapping translates categories to protocol class ids. Nil selects
	// DefaultClassMapping. Categories absent from a non-nil mapping are
	// ignored.
	ClassMapping map[Category]uint8
	Cooldown     *CooldownPolicy
	Stability    *StabilityPolicy
	Clock        timeutil.Clock
	// TrackExpiry releases tracked objects not updated within this window.
	// Negative disables expiry.
	TrackExpiry time.Duration
	// NoDetectionTick is credited to the reset timer per empty frame.
	NoDetectionTick time.Duration
	// ResetFromTimestamps credits the reset timer with the gap between frame
	// timestamps instead of NoDetectionTick. Frames with a zero timestamp, or
	// one not after the previous frame, fall back to the tick.
	ResetFromTimestamps bool
}

// Statistics are monotonically non-decreasing session counters.
type Statistics struct {
	TotalFrames       uint64 `json:"total_frames"`
	TotalDetections   uint64 `json:"total_detections"`
	StableDetections  uint64 `json:"stable_detections"`
	SerialPacketsSent uint64 `json:"serial_packets_sent"`
	ErrorCount        uint64 `json:"error_count"`
}

// SessionSnapshot is a read-only copy of session state for reporting.
type SessionSnapshot struct {
	ID             string               `json:"id"`
	Status         Status               `json:"status"`
	Statistics     Statistics           `json:"statistics"`
	Counts         map[Category]uint64  `json:"counts"`
	Distribution   map[Category]float64 `json:"distribution"`
	TotalCount     uint64               `json:"total_count"`
	TrackedObjects int                  `json:"tracked_objects"`
	ImageWidth     int                  `json:"image_width"`
	ImageHeight    int                  `json:"image_height"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      time.Time            `json:"started_at,omitzero"`
	StoppedAt      time.Time            `json:"stopped_at,omitzero"`
	LastSerialTime time.Time            `json:"last_serial_time,omitzero"`
	LastError      string               `json:"last_error,omitempty"`
}

// Session turns detection frames into actuator packets. A Session is owned
// by a single goroutine; callers sharing one must serialize access.
type Session struct {
	id        string
	status    Status
	mapping   map[Category]uint8
	cooldown  CooldownPolicy
	stability StabilityPolicy
	clock     timeutil.Clock

	trackExpiry    time.Duration
	tick           time.Duration
	resetFromStamp bool

	tracks  trackArena
	counter *Counter
	stats   Statistics
	events  []ItemClassified

	lastSerialTime *time.Time
	lastDetected   *uint8
	resetElapsed   time.Duration
	lastFrameTime  time.Time

	width, height int
	createdAt     time.Time
	startedAt     time.Time
	stoppedAt     time.Time
	lastErr       error
}

// NewSession validates opts and returns an idle session.
func NewSession(opts SessionOptions) (*Session, error) {
	mapping := DefaultClassMapping()
	if opts.ClassMapping != nil {
		mapping = maps.Clone(opts.ClassMapping)
	}
	for cat, id := range mapping {
		if id > protocol.MaxClassID {
			return nil, fmt.Errorf("%w: %s maps to class %d, want 0..%d", ErrInvalidPacketField, cat, id, protocol.MaxClassID)
		}
	}

	cooldown := DefaultCooldownPolicy()
	if opts.Cooldown != nil {
		cooldown = opts.Cooldown.clone()
	}
	if err := cooldown.Validate(); err != nil {
		return nil, err
	}
	stability := DefaultStabilityPolicy()
	if opts.Stability != nil {
		stability = *opts.Stability
	}
	if err := stability.Validate(); err != nil {
		return nil, err
	}
	if opts.NoDetectionTick < 0 {
		return nil, fmt.Errorf("%w: no-detection tick must be non-negative, got %v", ErrInvalidPolicy, opts.NoDetectionTick)
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	expiry := opts.TrackExpiry
	if expiry == 0 {
		expiry = DefaultTrackExpiry
	}
	tick := opts.NoDetectionTick
	if tick == 0 {
		tick = DefaultNoDetectionTick
	}

	return &Session{
		id:             id,
		status:         StatusIdle,
		mapping:        mapping,
		cooldown:       cooldown,
		stability:      stability,
		clock:          clock,
		trackExpiry:    expiry,
		tick:           tick,
		resetFromStamp: opts.ResetFromTimestamps,
		counter:        NewCounter(id, clock),
		createdAt:      clock.Now(),
	}, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) Status() Status { return s.status }
func (s *Session) Statistics() Statistics { return s.stats }
func (s *Session) Counter() *Counter { return s.counter }
func (s *Session) IsRunning() bool { return s.status == StatusRunning }
func (s *Session) Stability() StabilityPolicy { return s.stability }
func (s *Session) Cooldown() CooldownPolicy { return s.cooldown.clone() }
func (s *Session) ClassMapping() map[Category]uint8 { return maps.Clone(s.mapping) }

// LastError returns the error that moved the session into StatusError.
func (s *Session) LastError() error { return s.lastErr }

func (s *Session) invalidState(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidSessionState, op, s.status)
}

// Initialize records the camera geometry and moves an idle session to
// StatusInitializing.
func (s *Session) Initialize(width, height int) error {
	if s.status != StatusIdle {
		return s.invalidState("initialize")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %dx%d", ErrInvalidPolicy, width, height)
	}
	s.width, s.height = width, height
	s.status = StatusInitializing
	return nil
}

// Start moves an idle or initializing session to StatusRunning.
func (s *Session) Start() error {
	if s.status != StatusIdle && s.status != StatusInitializing {
		return s.invalidState("start")
	}
	s.status = StatusRunning
	s.startedAt = s.clock.Now()
	return nil
}

func (s *Session) Pause() error {
	if s.status != StatusRunning {
		return s.invalidState("pause")
	}
	s.status = StatusPaused
	return nil
}

func (s *Session) Resume() error {
	if s.status != StatusPaused {
		return s.invalidState("resume")
	}
	s.status = StatusRunning
	return nil
}

// Stop ends a running session.
func (s *Session) Stop() error {
	if s.status != StatusRunning {
		return s.invalidState("stop")
	}
	s.terminate(StatusStopped)
	return nil
}

// Cancel ends the session from any non-terminal state.
func (s *Session) Cancel() error {
	if s.status.IsTerminal() {
		return s.invalidState("cancel")
	}
	s.terminate(StatusCancelled)
	return nil
}

// Fail records err and forces StatusError from any non-terminal state.
func (s *Session) Fail(err error) error {
	if s.status.IsTerminal() {
		return s.invalidState("fail")
	}
	s.stats.ErrorCount++
	s.lastErr = err
	s.terminate(StatusError)
	return nil
}

func (s *Session) terminate(status Status) {
	s.status = status
	s.stoppedAt = s.clock.Now()
}

// ProcessFrame evaluates one frame and returns the packet to send, if any.
// Frames without a detection, with an unmapped category, or rejected by the
// cooldown and duplicate rules yield a nil packet and a nil error.
func (s *Session) ProcessFrame(frame DetectionFrame) (*protocol.Packet, error) {
	if s.status != StatusRunning {
		return nil, s.invalidState("process frame")
	}

	now := s.clock.Now()
	s.stats.TotalFrames++
	if s.trackExpiry > 0 {
		s.tracks.sweep(now.Add(-s.trackExpiry))
	}
	gap := s.frameGap(frame.Timestamp)

	if !frame.HasDetection() {
		s.advanceReset(gap)
		return nil, nil
	}
	s.stats.TotalDetections++

	classID, ok := s.mapping[*frame.Category]
	if !ok || !frame.HasPosition() {
		return nil, nil
	}
	x, y := clampUnit(*frame.X), clampUnit(*frame.Y)

	tracked := s.track(classID, *frame.Category, x, y, now)

	if tracked.DetectionCount >= s.stability.MinDetectionCount &&
		s.clock.Since(tracked.FirstSeen) >= s.stability.StabilityThreshold {
		tracked.IsStable = true
		s.stats.StableDetections++
	}

	if !s.stability.ShouldCount(tracked.DetectionCount, tracked.IsStable, tracked.IsCounted) {
		return nil, nil
	}
	return s.emit(tracked, now)
}

// track updates the first tracked object of classID within tolerance of
// (x, y), or starts a new one.
func (s *Session) track(classID uint8, cat Category, x, y float64, now time.Time) *TrackedObject {
	tracked := s.tracks.find(func(o *TrackedObject) bool {
		return o.CategoryID == classID && s.stability.IsPositionStable(x, y, &o.LastX, &o.LastY)
	})
	if tracked != nil {
		tracked.LastX, tracked.LastY = x, y
		tracked.LastUpdated = now
		tracked.DetectionCount++
		return tracked
	}
	return s.tracks.insert(TrackedObject{
		CategoryID:     classID,
		Category:       cat,
		FirstX:         x,
		FirstY:         y,
		LastX:          x,
		LastY:          y,
		FirstSeen:      now,
		LastUpdated:    now,
		DetectionCount: 1,
	})
}

// emit applies the cooldown and duplicate rules and, when they pass, builds
// the packet and event before committing any state.
func (s *Session) emit(tracked *TrackedObject, now time.Time) (*protocol.Packet, error) {
	if !s.cooldown.ShouldSend(now, s.lastSerialTime, tracked.CategoryID) {
		return nil, nil
	}
	if s.lastDetected != nil && *s.lastDetected == tracked.CategoryID {
		return nil, nil
	}

	pkt, err := protocol.FromNormalized(int(tracked.CategoryID), tracked.LastX, tracked.LastY)
	if err != nil {
		return nil, s.fault(err)
	}
	ev, err := NewItemClassified(s.id, tracked.CategoryID, tracked.Category, tracked.LastX, tracked.LastY, now)
	if err != nil {
		return nil, s.fault(err)
	}

	sent := now
	classID := tracked.CategoryID
	s.lastSerialTime = &sent
	s.lastDetected = &classID
	tracked.IsCounted = true
	s.stats.SerialPacketsSent++
	s.counter.Increment(tracked.Category)
	s.events = append(s.events, ev)
	return &pkt, nil
}

func (s *Session) fault(err error) error {
	s.stats.ErrorCount++
	s.lastErr = err
	s.terminate(StatusError)
	return fmt.Errorf("session %s: %w", s.id, err)
}

// frameGap returns the time credited to the reset timer for this frame and
// remembers its timestamp.
func (s *Session) frameGap(ts time.Time) time.Duration {
	gap := s.tick
	if s.resetFromStamp && !ts.IsZero() && !s.lastFrameTime.IsZero() && ts.After(s.lastFrameTime) {
		gap = ts.Sub(s.lastFrameTime)
	}
	if !ts.IsZero() {
		s.lastFrameTime = ts
	}
	return gap
}

// advanceReset clears the duplicate-category memory once detections have
// been absent for longer than the detection reset window. The timer keeps
// its value across detections.
func (s *Session) advanceReset(gap time.Duration) {
	if s.lastDetected == nil {
		return
	}
	s.resetElapsed += gap
	if s.resetElapsed > s.stability.DetectionReset {
		s.lastDetected = nil
		s.resetElapsed = 0
	}
}

// PullEvents returns and clears the events emitted since the last call.
func (s *Session) PullEvents() []ItemClassified {
	out := s.events
	s.events = nil
	return out
}

// TrackedObjects returns copies of the live tracked objects.
func (s *Session) TrackedObjects() []TrackedObject { return s.tracks.snapshot() }

// TrackedObject returns a copy of the tracked object with id, if it is live.
func (s *Session) TrackedObject(id TrackID) (TrackedObject, bool) {
	o, ok := s.tracks.get(id)
	if !ok {
		return TrackedObject{}, false
	}
	return *o, true
}

func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ID:             s.id,
		Status:         s.status,
		Statistics:     s.stats,
		Counts:         s.counter.Counts(),
		Distribution:   s.counter.Distribution(),
		TotalCount:     s.counter.Total(),
		TrackedObjects: s.tracks.len(),
		ImageWidth:     s.width,
		ImageHeight:    s.height,
		CreatedAt:      s.createdAt,
		StartedAt:      s.startedAt,
		StoppedAt:      s.stoppedAt,
	}
	if s.lastSerialTime != nil {
		snap.LastSerialTime = *s.lastSerialTime
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
