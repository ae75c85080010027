package main

import (
	"lessonvoice/beep"
	"lessonvoice/capture"
	"lessonvoice/segmenter"
)

// tuiSink forwards capture controller events to the record screen.
type tuiSink struct{}

func (tuiSink) MicReady(ready bool, device string) {
	tuiSend(MicStatusMsg{Ready: ready, Device: device})
}

func (tuiSink) Speaking(on bool) {
	tuiSend(SpeakingMsg{On: on})
}

func (tuiSink) UtteranceCaptured(u segmenter.Utterance) {
	tuiSend(UtteranceMsg{Ordinal: u.Ordinal, StartSec: u.StartTimeSec, DurationSec: u.DurationSec})
}

// cueControls plays a cue whenever recording is switched, whether by key
// or hotkey.
type cueControls struct {
	*capture.Controller
	cues *beep.Cues
}

func (c cueControls) SetRecording(on bool) {
	if on == c.Controller.Recording() {
		return
	}
	c.Controller.SetRecording(on)
	if on {
		c.cues.Start()
	} else {
		c.cues.Stop()
	}
}
