package timeline

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoSlot = errors.New("no such timeline slot")

// Slot is one ordered unit of lesson content. Index never changes once the
// timeline is built.
type Slot struct {
	Index       int
	TimeSec     float64
	VoiceRef    string
	VoiceURL    string
	Text        string
	IsConverted bool
	IsTexted    bool
	Edited      bool
}

func (s Slot) Voiced() bool { return s.VoiceRef != "" }

// Converged reports whether transcription for the slot is complete.
func (s Slot) Converged() bool { return s.IsConverted && s.IsTexted }

// Record is the transcription state of one voice as the service reports it.
type Record struct {
	ID          string `json:"id"`
	IsConverted bool   `json:"isConverted"`
	IsTexted    bool   `json:"isTexted"`
	Text        string `json:"text"`
	URL         string `json:"url"`
}

// Timeline serializes transcription merges and user edits on one lock.
type Timeline struct {
	mu    sync.Mutex
	slots []Slot
}

func New(slots []Slot) *Timeline {
	own := make([]Slot, len(slots))
	copy(own, slots)
	for i := range own {
		own[i].Index = i
	}
	return &Timeline{slots: own}
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Slots returns a snapshot.
func (t *Timeline) Slots() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Slot, len(t.slots))
	copy(out, t.slots)
	return out
}

func (t *Timeline) Slot(index int) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return Slot{}, false
	}
	return t.slots[index], true
}

// Expected is the number of slots that carry a voice.
func (t *Timeline) Expected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s.Voiced() {
			n++
		}
	}
	return n
}

// Converged is the number of voiced slots whose transcription is complete.
func (t *Timeline) Converged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convergedLocked()
}

func (t *Timeline) convergedLocked() int {
	n := 0
	for _, s := range t.slots {
		if s.Voiced() && s.Converged() {
			n++
		}
	}
	return n
}

// EditText sets the slot text on behalf of the user. Later merges keep it.
func (t *Timeline) EditText(index int, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrNoSlot, index)
	}
	t.slots[index].Text = text
	t.slots[index].Edited = true
	return nil
}

// Merge pairs voiced slots in index order with records in fetch order.
// Status flags and URL are copied as reported; text is copied only from a
// converted and texted record into a slot the user has not edited. Merging
// the same records again changes nothing. It returns the converged count
// and the indexes of slots that converged during this merge.
func (t *Timeline) Merge(records []Record) (converged int, newly []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := 0
	for i := range t.slots {
		if r >= len(records) {
			break
		}
		s := &t.slots[i]
		if !s.Voiced() {
			continue
		}
		rec := records[r]
		r++

		was := s.Converged()
		s.IsConverted = rec.IsConverted
		s.IsTexted = rec.IsTexted
		if rec.URL != "" {
			s.VoiceURL = rec.URL
		}
		if rec.IsConverted && rec.IsTexted && !s.Edited {
			s.Text = rec.Text
		}
		if !was && s.Converged() {
			newly = append(newly, s.Index)
		}
	}
	return t.convergedLocked(), newly
}
