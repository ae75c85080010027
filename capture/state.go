package capture

import (
	"errors"

	"lessonvoice/segmenter"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrSegmenterInit     = errors.New("segmenter init failed")
	ErrDisposed          = errors.New("capture controller disposed")
)

// IsNotReady reports whether err means the microphone cannot be used right
// now. Callers show "mic not ready" for both device and segmenter failures.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrSegmenterInit)
}

type State int

const (
	StateUnbound State = iota
	StateBound         // device opened, segmenter not yet live
	StateActive        // live segmenter; recording may be on or off
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Session is what a capture run needs to know about the lesson it records.
type Session struct {
	LessonID            string
	Token               string
	APIURL              string
	DeviceID            string
	SilenceThresholdSec float64
}

// Submitter receives finished utterances. Submit must not block.
type Submitter interface {
	Submit(u segmenter.Utterance)
	Terminate()
}

// EventSink is the display side of the controller.
type EventSink interface {
	MicReady(ready bool, device string)
	Speaking(on bool)
	UtteranceCaptured(u segmenter.Utterance)
}

type nopSink struct{}

func (nopSink) MicReady(bool, string)                 {}
func (nopSink) Speaking(bool)                         {}
func (nopSink) UtteranceCaptured(segmenter.Utterance) {}
