package uploader

import (
	"errors"
	"time"

	"lessonvoice/segmenter"
)

var (
	ErrUploadFailed = errors.New("voice upload failed")
	ErrTerminated   = errors.New("upload task terminated")
	ErrInboxFull    = errors.New("upload task inbox full")
)

// Credentials are handed over once per task by the initialize message.
type Credentials struct {
	LessonID string `json:"lessonID"`
	Token    string `json:"token"`
	APIURL   string `json:"apiURL"`
}

// Message is one inbox entry. Exactly one field is set.
type Message struct {
	Initialize *Credentials         `json:"initialize,omitempty"`
	NewVoice   *segmenter.Utterance `json:"newVoice,omitempty"`
	IsTerminal bool                 `json:"isTerminal,omitempty"`
}

func Initialize(c Credentials) Message { return Message{Initialize: &c} }

func NewVoice(u segmenter.Utterance) Message { return Message{NewVoice: &u} }

func Terminate() Message { return Message{IsTerminal: true} }

// Result is the final outcome of one utterance.
type Result struct {
	LessonID     string
	VoiceID      string
	Ordinal      int
	StartTimeSec float64
	DurationSec  float64
	Bytes        int
	Attempts     int
	URL          string
	Elapsed      time.Duration
	Err          error
}

func (r Result) OK() bool { return r.Err == nil }
