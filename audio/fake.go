package audio

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"lessonvoice/encoder"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

var ErrFakeDevice = errors.New("fake device unavailable")

// FakeContext replays PCM from a WAV file, or, in manual mode, lets a test
// push buffers into the capture callback directly.
type FakeContext struct {
	pcm      []byte
	realtime bool
	manual   bool

	mu       sync.Mutex
	devices  []DeviceInfo
	captures []*FakeCapture
	played   [][]int16
	failNext error
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

// NewManualFakeContext returns a context whose captures only deliver what
// the test passes to FakeCapture.Push.
func NewManualFakeContext(devices ...DeviceInfo) *FakeContext {
	return &FakeContext{manual: true, devices: devices}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceInfo(nil), f.devices...), nil
}

func (f *FakeContext) SetDevices(devices ...DeviceInfo) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

// FailNextCapture makes the next NewCapture return err.
func (f *FakeContext) FailNextCapture(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	name := "system default"
	if device != nil {
		name = device.Name
	}
	c := &FakeCapture{
		name:      name,
		pcm:       f.pcm,
		realtime:  f.realtime,
		manual:    f.manual,
		audioDone: make(chan struct{}),
	}
	f.captures = append(f.captures, c)
	return c, nil
}

// Captures returns every capture created so far, oldest first.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

func (f *FakeContext) NewPlayback(_ PlaybackConfig) (PlaybackDevice, error) {
	return &fakePlayback{ctx: f}, nil
}

// Played returns the clips handed to fake playback devices.
func (f *FakeContext) Played() [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int16(nil), f.played...)
}

type fakePlayback struct {
	ctx *FakeContext
}

func (p *fakePlayback) Play(ctx context.Context, samples []int16) error {
	p.ctx.mu.Lock()
	p.ctx.played = append(p.ctx.played, samples)
	p.ctx.mu.Unlock()

	d := time.Duration(len(samples)) * time.Second / time.Duration(encoder.SampleRate)
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayback) Close() {}

type FakeCapture struct {
	name      string
	pcm       []byte
	realtime  bool
	manual    bool
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	started  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return f.name }

// Push delivers data to the callback as a device buffer would. It reports
// false when the capture is stopped or has no callback.
func (f *FakeCapture) Push(data []byte) bool {
	f.mu.Lock()
	cb := f.cb
	live := f.started && !f.closed
	f.mu.Unlock()
	if cb == nil || !live {
		return false
	}
	cb(data, uint32(len(data)/fakeBytesPerFrame))
	return true
}

func (f *FakeCapture) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()

	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	if f.manual {
		close(f.feedDone)
		return nil
	}

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false

		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			if cb == nil {
				time.Sleep(time.Millisecond)
				continue
			}

			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
			} else {
				if !audioFinished {
					audioFinished = true
					close(f.audioDone)
				}
				cb(silence, fakeFrameSize)
			}

			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

var _ Context = (*FakeContext)(nil)
var _ CaptureDevice = (*FakeCapture)(nil)
