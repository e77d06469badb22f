package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReplaySource_Frames(t *testing.T) {
	input := `# bench capture
{"frame_id":"a","image_width":640,"image_height":480,"category":"Kitchen_waste","confidence":0.9,"x":0.5,"y":0.25,"timestamp":"2025-03-01T12:00:01Z"}

{"image_width":640,"image_height":480,"category":2,"x":0.1,"y":0.9}
{"image_width":640,"image_height":480}
`
	clock := timeutil.NewMockClock(epoch)
	src := NewReplaySource(strings.NewReader(input), 0, clock)
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", f.FrameID)
	require.True(t, f.HasDetection())
	assert.Equal(t, sorting.KitchenWaste, *f.Category)
	assert.Equal(t, epoch.Add(time.Second), f.Timestamp)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "replay-4", f.FrameID, "frame ids default to the line number")
	assert.Equal(t, sorting.HazardousWaste, *f.Category)
	assert.Equal(t, epoch, f.Timestamp, "missing timestamps come from the clock")
	assert.Nil(t, f.Confidence)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.False(t, f.HasDetection())

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestReplaySource_MalformedLine(t *testing.T) {
	src := NewReplaySource(strings.NewReader("{not json}\n{\"image_width\":1}\n"), 0, nil)

	_, err := src.Next(context.Background())
	require.ErrorIs(t, err, ErrMalformedFrame)
	assert.Contains(t, err.Error(), "line 1")

	f, err := src.Next(context.Background())
	require.NoError(t, err, "the source keeps going after a bad line")
	assert.Equal(t, 1, f.ImageWidth)
}

func TestReplaySource_Pacing(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := NewReplaySource(strings.NewReader("{}\n{}\n"), 100*time.Millisecond, clock)
	ctx := context.Background()

	_, err := src.Next(ctx)
	require.NoError(t, err, "the first frame is not delayed")

	done := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("second frame released before the interval elapsed")
	default:
	}
	clock.Advance(100 * time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second frame not released")
	}
}

func TestReplaySource_PacingCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := NewReplaySource(strings.NewReader("{}\n{}\n"), time.Second, clock)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := src.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplaySource_CancelWhileReading(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewReplaySource(pr, 0, nil)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Next ignored cancellation while the input was silent")
	}

	// A line written later is still delivered to the next caller.
	go pw.Write([]byte(`{"frame_id":"late"}` + "\n"))
	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", f.FrameID)
}

func TestOpenReplay_Missing(t *testing.T) {
	_, err := OpenReplay("/nonexistent/frames.jsonl", 0)
	assert.Error(t, err)
}

func TestChannelSource(t *testing.T) {
	ch := make(chan sorting.DetectionFrame, 1)
	src := NewChannelSource(ch)

	ch <- sorting.NewEmptyFrame("x", 1, 1, epoch)
	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", f.FrameID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	close(ch)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
