package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lessonvoice/audio"
	"lessonvoice/encoder"
	"lessonvoice/log"
	"lessonvoice/segmenter"
)

const DefaultRebindGrace = 500 * time.Millisecond

type Config struct {
	Audio     audio.Context
	Submitter Submitter
	Sink      EventSink

	// Detector carries the activity floor and utterance cap. The silence
	// threshold is owned by the controller and replayed on every bind.
	Detector            segmenter.DetectorConfig
	SilenceThresholdSec float64
	RebindGrace         time.Duration

	now func() time.Time
}

// Controller owns at most one live segmenter and the capture device that
// feeds it. All methods are safe for concurrent use.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	device    *audio.DeviceInfo
	preferred string
	capture   audio.CaptureDevice
	seg       *segmenter.Segmenter
	pumpDone  chan struct{}
	recording bool
	threshold float64
	clock     lessonClock

	gen     atomic.Uint64
	ordinal atomic.Int64
	lost    atomic.Int64
}

func New(cfg Config) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.RebindGrace <= 0 {
		cfg.RebindGrace = DefaultRebindGrace
	}
	if cfg.SilenceThresholdSec <= 0 {
		cfg.SilenceThresholdSec = segmenter.DefaultSilenceThreshold
	}
	if cfg.Detector.SampleRate == 0 {
		cfg.Detector.SampleRate = encoder.SampleRate
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		threshold: cfg.SilenceThresholdSec,
		clock:     lessonClock{now: cfg.now},
	}
}

// BindDevice tears down any current segmenter and starts a fresh one on
// the device with the given ID or name. An empty id selects the system
// default input. Recording, threshold and clock settings carry over.
// An id that matches no device leaves the current binding untouched.
func (c *Controller) BindDevice(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var dev *audio.DeviceInfo
	if id != "" {
		d, err := audio.FindDevice(c.cfg.Audio, id)
		if err != nil {
			// Nothing has been torn down yet; a live binding stays as it is.
			if c.seg == nil && c.capture == nil {
				c.markUnready(id)
			} else {
				log.Warnf("device %s not found, keeping %s", id, deviceName(c.device))
			}
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		dev = d
	}

	c.teardownLocked()

	capture, err := c.cfg.Audio.NewCapture(dev, audio.CaptureConfig{
		SampleRate: uint32(c.cfg.Detector.SampleRate),
		Channels:   encoder.Channels,
	})
	if err != nil {
		c.markUnready(id)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	c.capture = capture
	c.device = dev
	c.state = StateBound

	detCfg := c.cfg.Detector
	detCfg.SilenceThresholdSec = c.threshold
	seg, err := segmenter.New(segmenter.Config{
		Detector:        detCfg,
		Generation:      c.gen.Load(),
		OnLostUtterance: c.lostUtterance,
	})
	if err != nil {
		c.teardownLocked()
		c.markUnready(id)
		return fmt.Errorf("%w: %v", ErrSegmenterInit, err)
	}

	// Queued before the first buffer arrives, so they apply in order.
	seg.Send(segmenter.SetSilenceThreshold(c.threshold))
	seg.Send(segmenter.SetElapsedTime(c.clock.Current()))
	seg.Send(segmenter.SetRecording(c.recording))

	c.seg = seg
	c.pumpDone = make(chan struct{})
	go c.pump(seg, c.pumpDone)

	capture.SetCallback(func(data []byte, _ uint32) { seg.Feed(data) })
	if err := capture.Start(); err != nil {
		c.teardownLocked()
		c.markUnready(id)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c.state = StateActive
	if id != "" {
		c.preferred = id
	}
	name := deviceName(dev)
	log.DeviceBound(name, seg.Generation())
	c.cfg.Sink.MicReady(true, name)
	return nil
}

// SetRecording forwards the flag to the live segmenter. While unbound the
// value is only remembered for the next bind.
func (c *Controller) SetRecording(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.recording = on
	c.clock.SetRunning(on)
	c.sendLocked(segmenter.SetRecording(on))
}

func (c *Controller) SetSilenceThreshold(sec float64) {
	if sec <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.threshold = sec
	c.sendLocked(segmenter.SetSilenceThreshold(sec))
}

// SetElapsedTime calibrates the lesson clock used for utterance start times.
func (c *Controller) SetElapsedTime(sec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.clock.Set(sec)
	c.sendLocked(segmenter.SetElapsedTime(sec))
}

// Dispose stops capture, terminates the segmenter and tells the Submitter
// to drain. It is idempotent.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.teardownLocked()
	c.state = StateDisposed
	if c.cfg.Submitter != nil {
		c.cfg.Submitter.Terminate()
	}
	c.cfg.Sink.MicReady(false, deviceName(c.device))
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsMicReady() bool {
	return c.State() == StateActive
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Controller) SilenceThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Device returns the bound device, nil for the system default or when
// unbound.
func (c *Controller) Device() *audio.DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Controller) DeviceID() string {
	if d := c.Device(); d != nil {
		return d.ID
	}
	return ""
}

// Level is the RMS of the most recent device buffer.
func (c *Controller) Level() float64 {
	c.mu.Lock()
	seg := c.seg
	c.mu.Unlock()
	if seg == nil {
		return 0
	}
	return seg.Level()
}

// Utterances returns how many utterances have been handed to the Submitter.
func (c *Controller) Utterances() int {
	return int(c.ordinal.Load())
}

// LostUtterances counts utterances that were detected but never reached
// the Submitter because the event channel was full.
func (c *Controller) LostUtterances() int {
	return int(c.lost.Load())
}

// lostUtterance runs on the audio thread.
func (c *Controller) lostUtterance(u segmenter.Utterance) {
	c.lost.Add(1)
	log.Errorf("utterance at %.2fs (%.2fs long) lost: segmenter event channel full", u.StartTimeSec, u.DurationSec)
}

func (c *Controller) sendLocked(cmd segmenter.Command) {
	if c.seg == nil {
		return
	}
	if err := c.seg.Send(cmd); err != nil {
		log.Warnf("segmenter command dropped: %v", err)
	}
}

// teardownLocked terminates the live segmenter and releases the device.
// The segmenter gets RebindGrace to acknowledge; after that it is shut down
// from this side once the device can no longer call Feed.
func (c *Controller) teardownLocked() {
	seg, capture, pumpDone := c.seg, c.capture, c.pumpDone
	c.seg, c.capture, c.pumpDone = nil, nil, nil
	if seg == nil && capture == nil {
		return
	}

	grace := time.NewTimer(c.cfg.RebindGrace)
	defer grace.Stop()

	if seg != nil {
		if err := seg.Send(segmenter.Terminate()); err != nil {
			log.Warnf("segmenter terminate not queued: %v", err)
		}
		select {
		case <-seg.Done():
		case <-grace.C:
			log.Warn("segmenter did not acknowledge terminate within grace period")
		}
	}
	if capture != nil {
		capture.ClearCallback()
		capture.Stop()
		capture.Close()
	}
	if seg != nil {
		seg.Shutdown()
		if d := seg.Dropped(); d > 0 {
			log.Warnf("segmenter generation %d dropped %d events", seg.Generation(), d)
		}
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(c.cfg.RebindGrace):
			log.Warn("segmenter event pump still draining after teardown")
		}
	}

	// Anything the old pump still holds is stale from here on.
	c.gen.Add(1)
	c.state = StateUnbound
}

func (c *Controller) pump(seg *segmenter.Segmenter, done chan struct{}) {
	defer close(done)
	for ev := range seg.Events() {
		if ev.Generation != c.gen.Load() {
			log.Infof("discarding event from stale segmenter generation %d", ev.Generation)
			continue
		}
		switch {
		case ev.IsSpeaking != nil:
			c.cfg.Sink.Speaking(*ev.IsSpeaking)
		case ev.SaveRecord != nil:
			u := *ev.SaveRecord
			u.Ordinal = int(c.ordinal.Add(1) - 1)
			log.Utterance(u.Ordinal, u.StartTimeSec, u.DurationSec)
			if c.cfg.Submitter != nil {
				c.cfg.Submitter.Submit(u)
			}
			c.cfg.Sink.UtteranceCaptured(u)
		}
	}
}

func (c *Controller) markUnready(id string) {
	c.state = StateUnbound
	c.cfg.Sink.MicReady(false, id)
}

func deviceName(d *audio.DeviceInfo) string {
	if d == nil {
		return "system default"
	}
	return d.Name
}

// lessonClock tracks lesson time, which only advances while recording.
type lessonClock struct {
	now     func() time.Time
	base    float64
	since   time.Time
	running bool
}

func (l *lessonClock) Set(sec float64) {
	l.base = sec
	l.since = l.now()
}

func (l *lessonClock) SetRunning(on bool) {
	if on == l.running {
		return
	}
	if !on {
		l.base = l.Current()
	}
	l.since = l.now()
	l.running = on
}

func (l *lessonClock) Current() float64 {
	if !l.running {
		return l.base
	}
	return l.base + l.now().Sub(l.since).Seconds()
}
