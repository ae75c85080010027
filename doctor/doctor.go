package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"lessonvoice/audio"
	"lessonvoice/encoder"
	"lessonvoice/hotkey"
	"lessonvoice/remote"
	"lessonvoice/segmenter"
	"lessonvoice/shutdown"
)

type Options struct {
	// Audio overrides the platform audio context; nil opens the real one.
	Audio      audio.Context
	DeviceID   string
	SilenceSec float64
	CaptureFor time.Duration

	APIURL string
	Token  string

	Binding    hotkey.Binding
	SkipHotkey bool

	Out io.Writer
}

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	if opts.Out == nil {
		opts.Out = os.Stdout
		resetTerminal()
		setupInterruptHandler()
	}
	if opts.CaptureFor <= 0 {
		opts.CaptureFor = 3 * time.Second
	}
	if opts.SilenceSec <= 0 {
		opts.SilenceSec = 0.5
	}
	if opts.Binding.Key == "" {
		opts.Binding = hotkey.DefaultBinding
	}
	out := opts.Out

	fmt.Fprintln(out, "lessonvoice doctor - system diagnostics")
	fmt.Fprintln(out, "=======================================")

	allPass := true
	if !checkAudio(opts) {
		allPass = false
	}
	if !checkAPI(opts) {
		allPass = false
	}
	if !opts.SkipHotkey && !checkHotkey(opts) {
		allPass = false
	}

	fmt.Fprintln(out)
	if allPass {
		fmt.Fprintln(out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(out, "Some checks failed. See details above.")
	return 1
}

func checkAudio(opts Options) bool {
	out := opts.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[1/3] Microphone and speech detection")

	actx := opts.Audio
	if actx == nil {
		var err error
		actx, err = audio.NewContext()
		if err != nil {
			fmt.Fprintf(out, "  FAIL: cannot connect to audio: %v\n", err)
			return false
		}
		defer actx.Close()
	}

	devices, err := actx.Devices()
	if err != nil {
		fmt.Fprintf(out, "  FAIL: cannot list devices: %v\n", err)
		return false
	}
	for _, d := range devices {
		bt := ""
		if audio.IsBluetooth(d.Name) {
			bt = " (bluetooth, expect lower quality)"
		}
		fmt.Fprintf(out, "  device: %s%s\n", d.Name, bt)
	}

	var device *audio.DeviceInfo
	if opts.DeviceID != "" {
		device, err = audio.FindDevice(actx, opts.DeviceID)
		if err != nil {
			fmt.Fprintf(out, "  FAIL: %v\n", err)
			return false
		}
	}

	res, err := captureSpeech(actx, device, opts.SilenceSec, opts.CaptureFor, out)
	if err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "  peak level %.3f, %d utterance(s), %.1fs of speech, %d dropped event(s)\n",
		res.peak, res.utterances, res.speechSec, res.dropped)
	if res.utterances == 0 {
		fmt.Fprintln(out, "  FAIL: no speech detected (speak during the test or check the input level)")
		return false
	}
	fmt.Fprintln(out, "  PASS: speech detected")
	return true
}

type captureResult struct {
	peak       float64
	utterances int
	speechSec  float64
	dropped    uint64
}

func captureSpeech(actx audio.Context, device *audio.DeviceInfo, silenceSec float64, d time.Duration, out io.Writer) (captureResult, error) {
	var res captureResult
	seg, err := segmenter.New(segmenter.Config{Detector: segmenter.DetectorConfig{
		SampleRate:          encoder.SampleRate,
		SilenceThresholdSec: silenceSec,
	}})
	if err != nil {
		return res, fmt.Errorf("segmenter init: %w", err)
	}
	seg.Send(segmenter.SetRecording(true))

	capture, err := actx.NewCapture(device, audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels})
	if err != nil {
		seg.Shutdown()
		return res, fmt.Errorf("open capture: %w", err)
	}
	capture.SetCallback(func(data []byte, _ uint32) { seg.Feed(data) })
	if err := capture.Start(); err != nil {
		capture.Close()
		seg.Shutdown()
		return res, fmt.Errorf("start capture: %w", err)
	}

	counted := make(chan struct{})
	go func() {
		defer close(counted)
		for ev := range seg.Events() {
			if ev.SaveRecord != nil {
				res.utterances++
				res.speechSec += ev.SaveRecord.DurationSec
			}
		}
	}()

	fmt.Fprintf(out, "  Speak now (%s)", d)
	deadline := time.After(d)
	ticker := time.NewTicker(100 * time.Millisecond)
	ticks := 0
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			res.peak = max(res.peak, seg.Level())
			if ticks++; ticks%5 == 0 {
				fmt.Fprint(out, ".")
			}
		}
	}
	ticker.Stop()
	fmt.Fprintln(out, " done")

	capture.ClearCallback()
	capture.Stop()
	capture.Close()
	seg.Shutdown()
	<-counted
	res.dropped = seg.Dropped()
	return res, nil
}

func checkAPI(opts Options) bool {
	out := opts.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[2/3] Lesson API")

	if opts.APIURL == "" {
		fmt.Fprintln(out, "  SKIP: no API URL configured (set api.url or LESSONVOICE_API_URL)")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := remote.New(opts.APIURL, opts.Token, 1)
	start := time.Now()
	status, err := client.Probe(ctx)
	if err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "  PASS: %s answered %d in %s\n", opts.APIURL, status, time.Since(start).Round(time.Millisecond))
	return true
}

func checkHotkey(opts Options) bool {
	out := opts.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[3/3] Record hotkey")

	msg, err := hotkey.Diagnose(opts.Binding)
	if err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "  PASS: %s\n", msg)
	return true
}

func setupInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		println("\nInterrupted")
		os.Exit(1)
	}()
}
