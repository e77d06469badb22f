package sorting

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func judgeFrame(ms int, cat Category, conf, x, y float64) DetectionFrame {
	return NewDetectionFrame("j", 640, 480, epoch.Add(time.Duration(ms)*time.Millisecond), cat, conf, x, y)
}

func TestStabilityJudge_NoDetection(t *testing.T) {
	j := NewStabilityJudge(DefaultStabilityPolicy())
	report := j.Evaluate(NewEmptyFrame("j", 640, 480, epoch), []DetectionFrame{judgeFrame(0, KitchenWaste, 0.9, 0.5, 0.5)})
	assert.Equal(t, StabilityReport{}, report)
}

func TestStabilityJudge_Stable(t *testing.T) {
	j := NewStabilityJudge(DefaultStabilityPolicy())
	history := []DetectionFrame{
		judgeFrame(0, RecyclableWaste, 0.8, 0.50, 0.50),
		judgeFrame(500, RecyclableWaste, 0.9, 0.52, 0.50),
	}
	report := j.Evaluate(judgeFrame(1000, RecyclableWaste, 1.0, 0.53, 0.54), history)

	assert.True(t, report.IsStable)
	assert.True(t, report.ShouldClassify)
	assert.Equal(t, 3, report.ConsecutiveMatches)
	assert.Equal(t, time.Second, report.TrackingDuration)
	assert.InDelta(t, 0.9, report.ConfidenceScore, 1e-9)
	assert.InDelta(t, 0.05, report.PositionDelta, 1e-9)
}

func TestStabilityJudge_Unstable(t *testing.T) {
	j := NewStabilityJudge(DefaultStabilityPolicy())

	tests := []struct {
		name    string
		current DetectionFrame
		history []DetectionFrame
	}{
		{
			name:    "too short",
			current: judgeFrame(300, KitchenWaste, 0.9, 0.5, 0.5),
			history: []DetectionFrame{judgeFrame(0, KitchenWaste, 0.9, 0.5, 0.5)},
		},
		{
			name:    "moved too far",
			current: judgeFrame(1500, KitchenWaste, 0.9, 0.7, 0.5),
			history: []DetectionFrame{judgeFrame(0, KitchenWaste, 0.9, 0.5, 0.5)},
		},
		{
			name:    "single frame",
			current: judgeFrame(0, KitchenWaste, 0.9, 0.5, 0.5),
		},
		{
			name:    "category changed",
			current: judgeFrame(1500, KitchenWaste, 0.9, 0.5, 0.5),
			history: []DetectionFrame{judgeFrame(0, OtherWaste, 0.9, 0.5, 0.5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := j.Evaluate(tt.current, tt.history)
			assert.False(t, report.IsStable)
			assert.False(t, report.ShouldClassify)
		})
	}
}

func TestStabilityJudge_LowConfidence(t *testing.T) {
	j := NewStabilityJudge(DefaultStabilityPolicy())
	report := j.Evaluate(
		judgeFrame(1000, HazardousWaste, 0.5, 0.5, 0.5),
		[]DetectionFrame{judgeFrame(0, HazardousWaste, 0.9, 0.5, 0.5)},
	)
	assert.True(t, report.IsStable)
	assert.False(t, report.ShouldClassify, "confidence must exceed 0.5")
}

func TestStabilityJudge_MissingPosition(t *testing.T) {
	j := NewStabilityJudge(DefaultStabilityPolicy())
	first := judgeFrame(0, KitchenWaste, 0.9, 0.5, 0.5)
	first.X = nil
	report := j.Evaluate(judgeFrame(1000, KitchenWaste, 0.9, 0.5, 0.5), []DetectionFrame{first})
	assert.Equal(t, 1.0, report.PositionDelta)
	assert.False(t, report.IsStable)
}

func TestPositionDelta(t *testing.T) {
	a := judgeFrame(0, KitchenWaste, 1, 0, 0)
	b := judgeFrame(0, KitchenWaste, 1, 0.3, 0.4)
	assert.InDelta(t, 0.5, positionDelta(a, b), 1e-12)
	assert.False(t, math.IsNaN(meanConfidence(nil)))
}
