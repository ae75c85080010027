package segmenter

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTerminated = errors.New("segmenter terminated")
	ErrInboxFull  = errors.New("segmenter inbox full")
)

const (
	defaultEventBuffer   = 64
	defaultCommandBuffer = 16
	sendTimeout          = 100 * time.Millisecond

	// Feed decodes at most this many quanta at a time into scratch.
	scratchQuanta = 16
)

type Config struct {
	Detector      DetectorConfig
	Generation    uint64
	EventBuffer   int
	CommandBuffer int

	// OnLostUtterance is called on the audio thread when a finished
	// utterance cannot be delivered. It must not block.
	OnLostUtterance func(Utterance)
}

// Segmenter runs a Detector on the audio callback thread. Control messages
// arrive on a bounded inbox that Feed drains before each buffer; events
// leave on a bounded channel and are counted as dropped when it is full.
// The last quarter of the channel is kept for utterances, so a stalled
// consumer loses speaking transitions first. Feed never blocks on the
// consumer.
type Segmenter struct {
	gen    uint64
	cmds   chan Command
	events chan Event
	done   chan struct{}
	emitFn func(Event)
	onLost func(Utterance)
	// speaking events may only fill the channel up to this length
	speakingRoom int

	mu      sync.Mutex
	det     *Detector
	closed  bool
	scratch []int16

	dropped atomic.Uint64
	lost    atomic.Uint64
	level   atomic.Uint64
}

func New(cfg Config) (*Segmenter, error) {
	det, err := NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaultCommandBuffer
	}
	s := &Segmenter{
		gen:     cfg.Generation,
		cmds:    make(chan Command, cfg.CommandBuffer),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		det:     det,
		scratch: make([]int16, det.cfg.QuantumSamples*scratchQuanta),
		onLost:  cfg.OnLostUtterance,

		speakingRoom: cfg.EventBuffer - cfg.EventBuffer/4,
	}
	s.emitFn = s.emit
	return s, nil
}

func (s *Segmenter) Generation() uint64     { return s.gen }
func (s *Segmenter) Events() <-chan Event   { return s.events }
func (s *Segmenter) Done() <-chan struct{}  { return s.done }
func (s *Segmenter) Dropped() uint64        { return s.dropped.Load() }
func (s *Segmenter) LostUtterances() uint64 { return s.lost.Load() }
func (s *Segmenter) Level() float64         { return math.Float64frombits(s.level.Load()) }

// Send queues cmd for the audio thread. It waits briefly when the inbox is
// full so a stalled device cannot hold up the caller indefinitely.
func (s *Segmenter) Send(cmd Command) error {
	select {
	case <-s.done:
		return ErrTerminated
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	default:
	}
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrTerminated
	case <-t.C:
		return ErrInboxFull
	}
}

// Feed is the capture callback body: little-endian 16-bit mono PCM.
func (s *Segmenter) Feed(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.drain() {
		return
	}

	// Chunks are whole quanta, so splitting a large buffer does not change
	// how the detector sees it.
	var sumSq float64
	total := len(data) / 2
	for len(data) >= 2 {
		n := min(len(data)/2, len(s.scratch))
		chunk := s.scratch[:n]
		for i := range chunk {
			chunk[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		data = data[n*2:]
		r := RMS(chunk)
		sumSq += r * r * float64(n)
		s.det.Process(chunk, s.emitFn)
	}
	if total > 0 {
		s.level.Store(math.Float64bits(math.Sqrt(sumSq / float64(total))))
	} else {
		s.level.Store(0)
	}
}

// Shutdown terminates synchronously. Pending commands are applied first,
// then the in-flight utterance is flushed. Safe to call after the segmenter
// already terminated itself.
func (s *Segmenter) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.drain() {
		return
	}
	s.det.Apply(Terminate(), s.emitFn)
	s.finish()
}

// drain applies queued commands and reports whether one of them terminated
// the segmenter. Caller holds s.mu.
func (s *Segmenter) drain() bool {
	for {
		select {
		case cmd := <-s.cmds:
			s.det.Apply(cmd, s.emitFn)
			if cmd.IsTerminal {
				s.finish()
				return true
			}
		default:
			return false
		}
	}
}

func (s *Segmenter) finish() {
	s.closed = true
	close(s.events)
	close(s.done)
}

func (s *Segmenter) emit(ev Event) {
	ev.Generation = s.gen
	if ev.SaveRecord == nil && len(s.events) >= s.speakingRoom {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		if ev.SaveRecord != nil {
			s.lost.Add(1)
			if s.onLost != nil {
				s.onLost(*ev.SaveRecord)
			}
		}
	}
}
