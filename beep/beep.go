package beep

import (
	"context"
	"math"
	"sync"
	"time"

	"lessonvoice/audio"
	"lessonvoice/log"
)

const (
	sampleRate = 16000

	// Start cue: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// Stop cue: medium pitch, slightly longer
	stopFreq   = 900
	stopVolume = 0.5
	stopDecay  = 40

	// Error cue: low pitch double beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30

	playTimeout = 2 * time.Second
)

var (
	startSamples []int16
	stopSamples  []int16
	errorSamples []int16
	soundOnce    sync.Once
)

func initSound() {
	startSamples = generateTick(sampleRate, startFreq, 0.2, startVolume, startDecay)
	stopSamples = generateTick(sampleRate, stopFreq, 0.2, stopVolume, stopDecay)
	errorSamples = generateDoubleBeep(sampleRate, errorFreq, 0.08, 0.05, errorVolume, errorDecay)
}

func generateTick(sampleRate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func generateDoubleBeep(sampleRate int, freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := generateTick(sampleRate, freq, beepDur, volume, decay)
	gap := make([]int16, int(float64(sampleRate)*gapDur))
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	result = append(result, beep...)
	return result
}

// Cues plays short recording cues on an audio context. A nil *Cues is
// silent. Cues never overlap: a cue requested while another plays is
// skipped.
type Cues struct {
	ctx  audio.Context
	busy sync.Mutex
	wg   sync.WaitGroup
}

func New(ctx audio.Context) *Cues {
	soundOnce.Do(initSound)
	return &Cues{ctx: ctx}
}

func (c *Cues) Start() { c.play(startSamples) }
func (c *Cues) Stop()  { c.play(stopSamples) }
func (c *Cues) Error() { c.play(errorSamples) }

// Wait blocks until queued cues have finished.
func (c *Cues) Wait() {
	if c != nil {
		c.wg.Wait()
	}
}

func (c *Cues) play(samples []int16) {
	if c == nil || len(samples) == 0 {
		return
	}
	if !c.busy.TryLock() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Unlock()
		out, err := c.ctx.NewPlayback(audio.PlaybackConfig{SampleRate: sampleRate})
		if err != nil {
			log.Warnf("cue playback unavailable: %v", err)
			return
		}
		defer out.Close()
		ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
		defer cancel()
		if err := out.Play(ctx, samples); err != nil {
			log.Warnf("cue playback failed: %v", err)
		}
	}()
}
