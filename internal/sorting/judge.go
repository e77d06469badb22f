package sorting

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// classifyConfidence is the confidence a stable frame must exceed before the
// judge recommends classifying it.
const classifyConfidence = 0.5

// StabilityReport summarizes a detection history. It is diagnostic only and
// plays no part in send decisions.
type StabilityReport struct {
	IsStable           bool          `json:"is_stable"`
	TrackingDuration   time.Duration `json:"tracking_duration_ns"`
	ConfidenceScore    float64       `json:"confidence_score"`
	PositionDelta      float64       `json:"position_delta"`
	ConsecutiveMatches int           `json:"consecutive_matches"`
	ShouldClassify     bool          `json:"should_classify"`
}

// StabilityJudge evaluates frame histories against a StabilityPolicy.
type StabilityJudge struct {
	policy StabilityPolicy
}

func NewStabilityJudge(policy StabilityPolicy) *StabilityJudge {
	return &StabilityJudge{policy: policy}
}

// Evaluate reports on current taken together with the frames preceding it,
// oldest first.
func (j *StabilityJudge) Evaluate(current DetectionFrame, history []DetectionFrame) StabilityReport {
	if !current.HasDetection() {
		return StabilityReport{}
	}

	frames := make([]DetectionFrame, 0, len(history)+1)
	frames = append(frames, history...)
	frames = append(frames, current)

	consecutive := consecutiveMatches(frames)

	var delta float64
	if len(frames) >= 2 {
		delta = positionDelta(frames[0], frames[len(frames)-1])
	}

	duration := current.Timestamp.Sub(frames[0].Timestamp)
	score := meanConfidence(frames)

	stable := consecutive >= j.policy.MinDetectionCount &&
		duration >= j.policy.StabilityThreshold &&
		delta <= j.policy.PositionTolerance*2

	return StabilityReport{
		IsStable:           stable,
		TrackingDuration:   duration,
		ConfidenceScore:    score,
		PositionDelta:      delta,
		ConsecutiveMatches: consecutive,
		ShouldClassify:     stable && current.Confidence != nil && *current.Confidence > classifyConfidence,
	}
}

// consecutiveMatches counts frames from the head that share the first
// frame's category. Two frames without a detection match each other.
func consecutiveMatches(frames []DetectionFrame) int {
	if len(frames) == 0 {
		return 0
	}
	first := frames[0].Category
	n := 0
	for _, f := range frames {
		if !sameCategory(first, f.Category) {
			break
		}
		n++
	}
	return n
}

func sameCategory(a, b *Category) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// positionDelta is the Euclidean distance between two frame centers, or 1
// when either lacks a position.
func positionDelta(a, b DetectionFrame) float64 {
	if !a.HasPosition() || !b.HasPosition() {
		return 1
	}
	return floats.Distance([]float64{*a.X, *a.Y}, []float64{*b.X, *b.Y}, 2)
}

func meanConfidence(frames []DetectionFrame) float64 {
	confidences := make([]float64, 0, len(frames))
	for _, f := range frames {
		if f.Confidence != nil {
			confidences = append(confidences, *f.Confidence)
		}
	}
	if len(confidences) == 0 {
		return 0
	}
	return stat.Mean(confidences, nil)
}
