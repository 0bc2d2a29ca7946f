package playback

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/audio"
)

type scheduledCall struct {
	samples     int
	at          time.Duration
	dur         time.Duration
	scheduledAt time.Duration
	done        func()
	tag         byte
}

type fakeOutput struct {
	now      time.Duration
	calls    []scheduledCall
	stops    int
	failNext bool
	finished int
}

func (o *fakeOutput) Now() time.Duration { return o.now }

func (o *fakeOutput) Schedule(samples []float32, at time.Duration, done func()) error {
	if o.failNext {
		o.failNext = false
		return errors.New("device busy")
	}
	var tag byte
	if len(samples) > 0 {
		tag = byte(int16(math.Round(float64(samples[0])*32767)) & 0xff)
	}
	o.calls = append(o.calls, scheduledCall{
		samples:     len(samples),
		at:          at,
		dur:         audio.Duration(len(samples), audio.SampleRate),
		scheduledAt: o.now,
		done:        done,
		tag:         tag,
	})
	return nil
}

func (o *fakeOutput) Stop() { o.stops++ }

// finishOldest advances the clock to the end of the oldest unfinished call
// and fires its completion, as a device does once it has rendered it.
func (o *fakeOutput) finishOldest() {
	c := o.calls[o.finished]
	if end := c.at + c.dur; end > o.now {
		o.now = end
	}
	o.finished++
	c.done()
}

func (o *fakeOutput) unfinished() int { return len(o.calls) - o.finished }

func chunk(samples int, tag byte) []byte {
	pcm := make([]byte, samples*2)
	if samples > 0 {
		pcm[0] = tag
	}
	return pcm
}

func newTestScheduler(t *testing.T, out *fakeOutput) *Scheduler {
	t.Helper()
	s, err := New(Dependencies{Output: out})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestScheduler_SchedulesBackToBackOnArrival(t *testing.T) {
	out := &fakeOutput{now: 10 * time.Millisecond}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(1600, 1))
	s.Enqueue(chunk(800, 2))
	s.Enqueue(chunk(3200, 3))

	if len(out.calls) != 3 {
		t.Fatalf("scheduled=%d, want 3", len(out.calls))
	}
	if out.calls[0].at != 10*time.Millisecond {
		t.Fatalf("first start=%v, want device now", out.calls[0].at)
	}
	for i, want := range []byte{1, 2, 3} {
		if out.calls[i].tag != want {
			t.Fatalf("call %d tag=%d, want %d", i, out.calls[i].tag, want)
		}
		if i > 0 && out.calls[i].at != out.calls[i-1].at+out.calls[i-1].dur {
			t.Fatalf("call %d start=%v, want %v", i, out.calls[i].at, out.calls[i-1].at+out.calls[i-1].dur)
		}
	}
	if st := s.Stats(); st.Pending != 3 || !st.Playing {
		t.Fatalf("stats=%+v", st)
	}

	out.finishOldest()
	out.finishOldest()
	out.finishOldest()
	st := s.Stats()
	if st.Played != 3 || st.Playing || st.Pending != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestScheduler_LateArrivalFollowsCursorNotClock(t *testing.T) {
	out := &fakeOutput{}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(1600, 1))
	// The device is part-way through the first chunk when the second lands.
	out.now = 40 * time.Millisecond
	s.Enqueue(chunk(1600, 2))

	if out.calls[1].at != 100*time.Millisecond {
		t.Fatalf("second start=%v, want cursor 100ms", out.calls[1].at)
	}
}

func TestScheduler_StallResumesAtDeviceTime(t *testing.T) {
	out := &fakeOutput{}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(1600, 1))
	out.finishOldest()

	out.now += 2 * time.Second
	s.Enqueue(chunk(1600, 2))

	if len(out.calls) != 2 {
		t.Fatalf("scheduled=%d, want 2", len(out.calls))
	}
	if out.calls[1].at != out.now {
		t.Fatalf("start after stall=%v, want %v", out.calls[1].at, out.now)
	}
}

func TestScheduler_GapFreeNoOverlapProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		out := &fakeOutput{}
		s := newTestScheduler(t, out)

		for step := 0; step < 200; step++ {
			switch rng.Intn(3) {
			case 0:
				s.Enqueue(chunk(rng.Intn(4000), byte(step)))
			case 1:
				out.now += time.Duration(rng.Intn(300)) * time.Millisecond
			case 2:
				if out.unfinished() > 0 {
					out.finishOldest()
				}
			}
		}

		for i := 1; i < len(out.calls); i++ {
			prev, cur := out.calls[i-1], out.calls[i]
			prevEnd := prev.at + prev.dur
			if cur.at < prevEnd {
				t.Fatalf("trial %d: start %v overlaps previous end %v", trial, cur.at, prevEnd)
			}
			// A gap is only allowed when the device clock had already
			// passed the previous end.
			if want := max(prevEnd, cur.scheduledAt); cur.at != want {
				t.Fatalf("trial %d: start %v, want %v (prev end %v, now %v)", trial, cur.at, want, prevEnd, cur.scheduledAt)
			}
		}
	}
}

func TestScheduler_EmptyChunkIsSkipped(t *testing.T) {
	out := &fakeOutput{}
	s := newTestScheduler(t, out)

	s.Enqueue(nil)
	s.Enqueue([]byte{0x01})
	if len(out.calls) != 0 {
		t.Fatalf("scheduled=%d, want 0", len(out.calls))
	}
	if st := s.Stats(); st.Skipped != 2 || st.Playing {
		t.Fatalf("stats=%+v", st)
	}

	s.Enqueue(chunk(160, 9))
	if len(out.calls) != 1 || out.calls[0].tag != 9 {
		t.Fatalf("calls=%+v", out.calls)
	}

	s.Enqueue(nil)
	s.Enqueue(chunk(160, 10))
	if len(out.calls) != 2 || out.calls[1].tag != 10 {
		t.Fatalf("empty chunk in the middle stalled the queue: calls=%d", len(out.calls))
	}
	if out.calls[1].at != out.calls[0].at+out.calls[0].dur {
		t.Fatalf("empty chunk moved the cursor: start=%v", out.calls[1].at)
	}
}

func TestScheduler_InterruptDropsQueuedAudio(t *testing.T) {
	out := &fakeOutput{}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(16000, 1))
	s.Enqueue(chunk(16000, 2))
	s.Enqueue(chunk(16000, 3))
	abandoned := out.calls

	out.now = 200 * time.Millisecond
	s.Interrupt()
	if out.stops != 1 {
		t.Fatalf("stops=%d, want 1", out.stops)
	}
	if st := s.Stats(); st.Pending != 0 || st.Playing {
		t.Fatalf("stats after interrupt=%+v", st)
	}

	// The device reports the abandoned chunks as done; none count as played.
	for _, c := range abandoned {
		c.done()
	}

	s.Enqueue(chunk(800, 4))
	if len(out.calls) != 4 {
		t.Fatalf("scheduled=%d, want 4", len(out.calls))
	}
	fresh := out.calls[3]
	if fresh.tag != 4 {
		t.Fatalf("post-interrupt chunk tag=%d, want 4", fresh.tag)
	}
	if fresh.at != out.now {
		t.Fatalf("post-interrupt start=%v, want device now %v", fresh.at, out.now)
	}
	if st := s.Stats(); st.Pending != 1 {
		t.Fatalf("stale completions changed pending: %+v", st)
	}

	fresh.done()
	if st := s.Stats(); st.Interrupts != 1 || st.Played != 1 || st.Playing {
		t.Fatalf("stats=%+v", st)
	}
}

func TestScheduler_ScheduleErrorMovesOn(t *testing.T) {
	out := &fakeOutput{failNext: true}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(160, 1))
	if len(out.calls) != 0 || s.Stats().Playing {
		t.Fatalf("failed schedule left scheduler playing")
	}
	s.Enqueue(chunk(160, 2))
	if len(out.calls) != 1 || out.calls[0].tag != 2 {
		t.Fatalf("calls=%+v", out.calls)
	}
}

func TestScheduler_CloseRejectsFurtherAudio(t *testing.T) {
	out := &fakeOutput{}
	s := newTestScheduler(t, out)

	s.Enqueue(chunk(160, 1))
	done := out.calls[0].done
	s.Close()
	done()
	s.Enqueue(chunk(160, 2))
	if len(out.calls) != 1 {
		t.Fatalf("scheduled after close: calls=%d", len(out.calls))
	}
	s.Close()
	if out.stops != 1 {
		t.Fatalf("stops=%d, want 1", out.stops)
	}
}

func TestNew_RequiresOutput(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error")
	}
}
