package segmenter

import (
	"errors"
	"math"
)

const (
	DefaultActivityFloor    = 0.02
	DefaultSilenceThreshold = 1.0
	DefaultMaxUtteranceSec  = 30.0
	DefaultQuantumSamples   = 320 // 20ms at 16kHz
)

var errBadConfig = errors.New("invalid detector config")

type DetectorConfig struct {
	SampleRate          int
	ActivityFloor       float64
	SilenceThresholdSec float64
	MaxUtteranceSec     float64
	QuantumSamples      int
}

func (c *DetectorConfig) applyDefaults() error {
	if c.SampleRate <= 0 {
		return errBadConfig
	}
	if c.ActivityFloor <= 0 {
		c.ActivityFloor = DefaultActivityFloor
	}
	if c.SilenceThresholdSec <= 0 {
		c.SilenceThresholdSec = DefaultSilenceThreshold
	}
	if c.MaxUtteranceSec <= 0 {
		c.MaxUtteranceSec = DefaultMaxUtteranceSec
	}
	if c.QuantumSamples <= 0 {
		c.QuantumSamples = DefaultQuantumSamples
	}
	if c.MaxUtteranceSec < c.SilenceThresholdSec {
		return errBadConfig
	}
	return nil
}

// Detector is the amplitude/silence state machine. It is not safe for
// concurrent use; Segmenter serializes access.
type Detector struct {
	cfg       DetectorConfig
	recording bool
	threshold float64

	// session clock: baseSec plus samples consumed since the last calibration
	baseSec    float64
	sinceBase  int64
	speaking   bool
	startSec   float64
	silent     int // samples of the current silence run
	silenceLen int // threshold in samples, latched when the run starts

	buf []int16
}

func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	maxSamples := int(cfg.MaxUtteranceSec * float64(cfg.SampleRate))
	return &Detector{
		cfg:       cfg,
		threshold: cfg.SilenceThresholdSec,
		buf:       make([]int16, 0, maxSamples),
	}, nil
}

func (d *Detector) Speaking() bool  { return d.speaking }
func (d *Detector) Recording() bool { return d.recording }

// Clock returns the calibrated session time in seconds.
func (d *Detector) Clock() float64 {
	return d.baseSec + float64(d.sinceBase)/float64(d.cfg.SampleRate)
}

// Apply handles one control message. Terminate flushes the in-flight
// utterance; the caller is responsible for stopping afterwards.
func (d *Detector) Apply(cmd Command, emit func(Event)) {
	switch {
	case cmd.IsRecording != nil:
		on := *cmd.IsRecording
		if on == d.recording {
			return
		}
		d.recording = on
		if !on {
			d.endSpeech(emit)
		}
	case cmd.ChangeThreshold != nil:
		if v := *cmd.ChangeThreshold; v > 0 {
			d.threshold = min(v, d.cfg.MaxUtteranceSec)
		}
	case cmd.SetElapsedTime != nil:
		d.baseSec = *cmd.SetElapsedTime
		d.sinceBase = 0
	case cmd.IsTerminal:
		d.endSpeech(emit)
	}
}

// Process consumes one device buffer in fixed analysis quanta.
func (d *Detector) Process(samples []int16, emit func(Event)) {
	for len(samples) > 0 {
		n := min(d.cfg.QuantumSamples, len(samples))
		d.quantum(samples[:n], emit)
		samples = samples[n:]
	}
}

func (d *Detector) quantum(q []int16, emit func(Event)) {
	now := d.Clock()
	d.sinceBase += int64(len(q))
	if !d.recording {
		return
	}

	loud := RMS(q) > d.cfg.ActivityFloor
	if !d.speaking {
		if !loud {
			return
		}
		d.speaking = true
		d.startSec = now
		d.silent = 0
		emit(speakingEvent(true))
	}

	if len(d.buf)+len(q) > cap(d.buf) {
		d.flush(emit)
		d.startSec = now
	}
	d.buf = append(d.buf, q...)

	if loud {
		d.silent = 0
		return
	}
	if d.silent == 0 {
		d.silenceLen = int(d.threshold * float64(d.cfg.SampleRate))
	}
	d.silent += len(q)
	if d.silent >= d.silenceLen {
		d.endSpeech(emit)
	}
}

func (d *Detector) endSpeech(emit func(Event)) {
	if !d.speaking {
		return
	}
	d.speaking = false
	d.silent = 0
	emit(speakingEvent(false))
	d.flush(emit)
}

func (d *Detector) flush(emit func(Event)) {
	if len(d.buf) == 0 {
		return
	}
	samples := make([]int16, len(d.buf))
	copy(samples, d.buf)
	d.buf = d.buf[:0]
	emit(Event{SaveRecord: &Utterance{
		SampleRate:   d.cfg.SampleRate,
		StartTimeSec: d.startSec,
		DurationSec:  float64(len(samples)) / float64(d.cfg.SampleRate),
		Samples:      samples,
	}})
}

// RMS is the root-mean-square amplitude of q normalized to [0, 1].
func RMS(q []int16) float64 {
	if len(q) == 0 {
		return 0
	}
	var sum float64
	for _, s := range q {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(q)))
}
