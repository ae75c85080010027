package segmenter

// Command is one control message for a running segmenter. Exactly one field
// is set; the JSON names are the wire names used by the recorder protocol.
type Command struct {
	IsRecording     *bool    `json:"isRecording,omitempty"`
	ChangeThreshold *float64 `json:"changeThreshold,omitempty"`
	SetElapsedTime  *float64 `json:"setElapsedTime,omitempty"`
	IsTerminal      bool     `json:"isTerminal,omitempty"`
}

func SetRecording(on bool) Command { return Command{IsRecording: &on} }

func SetSilenceThreshold(sec float64) Command { return Command{ChangeThreshold: &sec} }

func SetElapsedTime(sec float64) Command { return Command{SetElapsedTime: &sec} }

func Terminate() Command { return Command{IsTerminal: true} }

// Utterance is one contiguous speech run, trailing silence included.
// It is never mutated after the segmenter emits it.
type Utterance struct {
	Ordinal      int     `json:"ordinal"`
	SampleRate   int     `json:"sampleRate"`
	StartTimeSec float64 `json:"startTimeSec"`
	DurationSec  float64 `json:"durationSec"`
	Samples      []int16 `json:"-"`
}

// Event is published by the segmenter. Exactly one of IsSpeaking and
// SaveRecord is set. Generation identifies the segmenter instance.
type Event struct {
	Generation uint64     `json:"-"`
	IsSpeaking *bool      `json:"isSpeaking,omitempty"`
	SaveRecord *Utterance `json:"saveRecord,omitempty"`
}

func speakingEvent(on bool) Event { return Event{IsSpeaking: &on} }
