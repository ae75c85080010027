package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lessonvoice/audio"
	"lessonvoice/segmenter"
)

const rate = 16000

func speechPCM(ms int) []byte {
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*220*float64(i)/rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func silencePCM(ms int) []byte {
	return make([]byte, rate*ms/1000*2)
}

type fakeSubmitter struct {
	ch         chan segmenter.Utterance
	terminated atomic.Bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan segmenter.Utterance, 32)}
}

func (f *fakeSubmitter) Submit(u segmenter.Utterance) { f.ch <- u }
func (f *fakeSubmitter) Terminate()                   { f.terminated.Store(true) }

func (f *fakeSubmitter) next(t *testing.T) segmenter.Utterance {
	t.Helper()
	select {
	case u := <-f.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance")
		return segmenter.Utterance{}
	}
}

func (f *fakeSubmitter) none(t *testing.T) {
	t.Helper()
	select {
	case u := <-f.ch:
		t.Fatalf("unexpected utterance %d", u.Ordinal)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSink struct {
	mu       sync.Mutex
	ready    []bool
	speaking []bool
}

func (s *fakeSink) MicReady(ready bool, _ string) {
	s.mu.Lock()
	s.ready = append(s.ready, ready)
	s.mu.Unlock()
}

func (s *fakeSink) Speaking(on bool) {
	s.mu.Lock()
	s.speaking = append(s.speaking, on)
	s.mu.Unlock()
}

func (s *fakeSink) UtteranceCaptured(segmenter.Utterance) {}

func (s *fakeSink) lastReady() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return false, false
	}
	return s.ready[len(s.ready)-1], true
}

var (
	devUSB     = audio.DeviceInfo{ID: "usb", Name: "USB Mic"}
	devBuiltin = audio.DeviceInfo{ID: "builtin", Name: "Built-in"}
)

type harness struct {
	ctx  *audio.FakeContext
	sub  *fakeSubmitter
	sink *fakeSink
	c    *Controller
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		ctx:  audio.NewManualFakeContext(devUSB, devBuiltin),
		sub:  newFakeSubmitter(),
		sink: &fakeSink{},
	}
	cfg := Config{
		Audio:               h.ctx,
		Submitter:           h.sub,
		Sink:                h.sink,
		SilenceThresholdSec: 0.5,
		RebindGrace:         50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.c = New(cfg)
	t.Cleanup(h.c.Dispose)
	return h
}

func (h *harness) capture(t *testing.T, i int) *audio.FakeCapture {
	t.Helper()
	caps := h.ctx.Captures()
	if len(caps) <= i {
		t.Fatalf("only %d captures created, want index %d", len(caps), i)
	}
	return caps[i]
}

func TestBindUnknownDevice(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.BindDevice(context.Background(), "no-such-mic")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !IsNotReady(err) {
		t.Error("IsNotReady should be true")
	}
	if h.c.State() != StateUnbound {
		t.Errorf("state = %v, want unbound", h.c.State())
	}
	if ready, ok := h.sink.lastReady(); !ok || ready {
		t.Error("sink should have been told the mic is not ready")
	}
}

func TestBindCaptureFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ctx.FailNextCapture(audio.ErrFakeDevice)
	err := h.c.BindDevice(context.Background(), "usb")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if h.c.IsMicReady() {
		t.Error("mic should not be ready")
	}
}

func TestBindSegmenterInitFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.SilenceThresholdSec = 5
		cfg.Detector.MaxUtteranceSec = 1
	})
	err := h.c.BindDevice(context.Background(), "usb")
	if !errors.Is(err, ErrSegmenterInit) {
		t.Fatalf("err = %v, want ErrSegmenterInit", err)
	}
	if !IsNotReady(err) {
		t.Error("segmenter failure should read as not ready")
	}
	if !h.capture(t, 0).Closed() {
		t.Error("capture should be released after segmenter failure")
	}
}

func TestUtteranceFlow(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.BindDevice(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if !h.c.IsMicReady() {
		t.Fatal("mic should be ready")
	}
	h.c.SetRecording(true)

	cap0 := h.capture(t, 0)
	cap0.Push(speechPCM(400))
	cap0.Push(silencePCM(600))

	u := h.sub.next(t)
	if u.Ordinal != 0 {
		t.Errorf("ordinal = %d, want 0", u.Ordinal)
	}
	if u.DurationSec < 0.85 || u.DurationSec > 0.95 {
		t.Errorf("duration = %.3f, want ~0.9", u.DurationSec)
	}

	cap0.Push(speechPCM(200))
	cap0.Push(silencePCM(600))
	if u := h.sub.next(t); u.Ordinal != 1 {
		t.Errorf("ordinal = %d, want 1", u.Ordinal)
	}
	if h.c.Utterances() != 2 {
		t.Errorf("Utterances() = %d, want 2", h.c.Utterances())
	}

	h.sink.mu.Lock()
	speaking := append([]bool(nil), h.sink.speaking...)
	h.sink.mu.Unlock()
	if len(speaking) != 4 || !speaking[0] || speaking[1] {
		t.Errorf("speaking transitions = %v", speaking)
	}
}

func TestNotRecordingProducesNothing(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.BindDevice(context.Background(), "usb"); err != nil {
		t.Fatal(err)
	}
	cap0 := h.capture(t, 0)
	cap0.Push(speechPCM(400))
	cap0.Push(silencePCM(600))
	h.sub.none(t)
}

func TestSettingsReplayedOnBind(t *testing.T) {
	h := newHarness(t, nil)
	h.c.SetRecording(true)
	h.c.SetSilenceThreshold(0.2)
	h.c.SetElapsedTime(30)
	if h.c.State() != StateUnbound {
		t.Fatal("setters must not bind")
	}

	if err := h.c.BindDevice(context.Background(), "usb"); err != nil {
		t.Fatal(err)
	}
	cap0 := h.capture(t, 0)
	cap0.Push(speechPCM(200))
	cap0.Push(silencePCM(200))

	u := h.sub.next(t)
	if u.StartTimeSec < 30 {
		t.Errorf("start = %.3f, want calibrated to >= 30", u.StartTimeSec)
	}
}

func TestRebindWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.BindDevice(ctx, "usb"); err != nil {
		t.Fatal(err)
	}
	h.c.SetRecording(true)
	cap0 := h.capture(t, 0)
	cap0.Push(speechPCM(300)) // in flight when the device changes

	if err := h.c.BindDevice(ctx, "builtin"); err != nil {
		t.Fatal(err)
	}
	cap1 := h.capture(t, 1)
	if !cap0.Closed() {
		t.Fatal("old capture still open after rebind")
	}
	if !cap1.Started() {
		t.Fatal("new capture not started")
	}
	if cap0.Push(speechPCM(100)) {
		t.Error("old capture still delivering audio")
	}
	if h.c.DeviceID() != "builtin" {
		t.Errorf("DeviceID = %q, want builtin", h.c.DeviceID())
	}

	first := h.sub.next(t)
	if first.Ordinal != 0 {
		t.Errorf("flushed utterance ordinal = %d, want 0", first.Ordinal)
	}

	cap1.Push(speechPCM(300))
	cap1.Push(silencePCM(600))
	second := h.sub.next(t)
	if second.Ordinal != 1 {
		t.Errorf("ordinal after rebind = %d, want 1", second.Ordinal)
	}
	if !h.c.Recording() {
		t.Error("recording flag lost across rebind")
	}
}

func TestBindMissingDeviceKeepsCurrentBinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.BindDevice(ctx, "usb"); err != nil {
		t.Fatal(err)
	}
	h.c.SetRecording(true)

	err := h.c.BindDevice(ctx, "no-such-mic")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if h.c.State() != StateActive || !h.c.IsMicReady() {
		t.Fatalf("state = %v, want active", h.c.State())
	}
	if h.c.DeviceID() != "usb" {
		t.Errorf("DeviceID = %q, want usb", h.c.DeviceID())
	}
	if ready, ok := h.sink.lastReady(); !ok || !ready {
		t.Error("sink should still report the mic as ready")
	}

	// A device list change must not replace the live binding.
	h.c.checkDevices(ctx, nil)
	if h.c.DeviceID() != "usb" || len(h.ctx.Captures()) != 1 {
		t.Fatalf("watch rebound to %q with %d captures", h.c.DeviceID(), len(h.ctx.Captures()))
	}

	cap0 := h.capture(t, 0)
	cap0.Push(speechPCM(300))
	cap0.Push(silencePCM(600))
	if u := h.sub.next(t); u.Ordinal != 0 {
		t.Errorf("ordinal = %d, want 0", u.Ordinal)
	}
}

func TestRebindUsesAcknowledgement(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RebindGrace = 5 * time.Second })
	ctx := context.Background()
	if err := h.c.BindDevice(ctx, "usb"); err != nil {
		t.Fatal(err)
	}
	cap0 := h.capture(t, 0)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		buf := silencePCM(20)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				cap0.Push(buf)
			}
		}
	}()

	start := time.Now()
	if err := h.c.BindDevice(ctx, "builtin"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rebind took %v; terminate should be acknowledged by the audio thread", elapsed)
	}
}

func TestStaleGenerationDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.c.gen.Store(5)

	seg, err := segmenter.New(segmenter.Config{
		Detector:   segmenter.DetectorConfig{SampleRate: rate, SilenceThresholdSec: 0.2},
		Generation: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go h.c.pump(seg, done)

	seg.Send(segmenter.SetRecording(true))
	seg.Feed(speechPCM(200))
	seg.Feed(silencePCM(300))
	seg.Shutdown()
	<-done

	h.sub.none(t)
	if h.c.Utterances() != 0 {
		t.Error("stale utterance consumed an ordinal")
	}
}

func TestDispose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.BindDevice(ctx, "usb"); err != nil {
		t.Fatal(err)
	}
	h.c.SetRecording(true)
	h.capture(t, 0).Push(speechPCM(300))

	h.c.Dispose()
	h.c.Dispose()

	if h.c.State() != StateDisposed {
		t.Errorf("state = %v, want disposed", h.c.State())
	}
	if !h.sub.terminated.Load() {
		t.Error("submitter not told to terminate")
	}
	if !h.capture(t, 0).Closed() {
		t.Error("capture not closed")
	}
	if u := h.sub.next(t); u.Ordinal != 0 {
		t.Errorf("in-flight utterance ordinal = %d, want 0", u.Ordinal)
	}
	if err := h.c.BindDevice(ctx, "usb"); !errors.Is(err, ErrDisposed) {
		t.Errorf("bind after dispose = %v, want ErrDisposed", err)
	}
}

func TestWatchFallbackAndReconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.BindDevice(ctx, "usb"); err != nil {
		t.Fatal(err)
	}
	last := h.c.checkDevices(ctx, nil)

	h.ctx.SetDevices(devBuiltin)
	last = h.c.checkDevices(ctx, last)
	if h.c.Device() != nil {
		t.Fatalf("expected fallback to default, bound to %+v", h.c.Device())
	}
	if !h.c.IsMicReady() {
		t.Fatal("default device should be live after fallback")
	}

	h.ctx.SetDevices(devUSB, devBuiltin)
	h.c.checkDevices(ctx, last)
	if h.c.DeviceID() != "usb" {
		t.Errorf("DeviceID = %q, want usb after reconnect", h.c.DeviceID())
	}
}

func TestLessonClock(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := lessonClock{now: func() time.Time { return now }}

	clock.Set(10)
	now = now.Add(5 * time.Second)
	if got := clock.Current(); got != 10 {
		t.Errorf("paused clock advanced to %v", got)
	}

	clock.SetRunning(true)
	now = now.Add(3 * time.Second)
	if got := clock.Current(); got != 13 {
		t.Errorf("running clock = %v, want 13", got)
	}

	clock.SetRunning(false)
	now = now.Add(time.Minute)
	if got := clock.Current(); got != 13 {
		t.Errorf("stopped clock = %v, want 13", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateUnbound: "unbound", StateBound: "bound", StateActive: "active", StateDisposed: "disposed", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
