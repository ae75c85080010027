package hotkey

import (
	"context"
	"time"
)

const DefaultLongPress = 400 * time.Millisecond

// Recorder is the recording switch the hotkey drives.
type Recorder interface {
	Recording() bool
	SetRecording(on bool)
}

// Drive turns hotkey presses into recording changes until ctx is done.
// A press while not recording starts recording at once. Released within
// longPress it stays on until the next press; held longer it stops on
// release. A press while recording stops it.
func Drive(ctx context.Context, hk Hotkey, rec Recorder, longPress time.Duration, onChange func(on bool)) {
	if longPress <= 0 {
		longPress = DefaultLongPress
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	set := func(on bool) {
		rec.SetRecording(on)
		onChange(on)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hk.Keydown():
		}

		if rec.Recording() {
			set(false)
			if !waitKeyup(ctx, hk) {
				return
			}
			continue
		}

		set(true)
		timer := time.NewTimer(longPress)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-hk.Keyup():
			timer.Stop()
		case <-timer.C:
			if !waitKeyup(ctx, hk) {
				return
			}
			set(false)
		}
	}
}

func waitKeyup(ctx context.Context, hk Hotkey) bool {
	select {
	case <-ctx.Done():
		return false
	case <-hk.Keyup():
		return true
	}
}
