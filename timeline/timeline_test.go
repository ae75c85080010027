package timeline

import (
	"errors"
	"reflect"
	"testing"
)

func lesson() *Timeline {
	return New([]Slot{
		{VoiceRef: "v0"},
		{Text: "title card"},
		{VoiceRef: "v1"},
	})
}

func TestNewAssignsIndexes(t *testing.T) {
	tl := New([]Slot{{Index: 9}, {Index: 9}})
	for i, s := range tl.Slots() {
		if s.Index != i {
			t.Errorf("slot %d has index %d", i, s.Index)
		}
	}
}

func TestExpected(t *testing.T) {
	for _, tt := range []struct {
		name  string
		slots []Slot
		want  int
	}{
		{"empty", nil, 0},
		{"no voices", []Slot{{Text: "a"}, {}}, 0},
		{"mixed", []Slot{{VoiceRef: "a"}, {}, {VoiceRef: "b"}}, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.slots).Expected(); got != tt.want {
				t.Errorf("Expected() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMergeWorkedExample(t *testing.T) {
	tl := lesson()

	converged, newly := tl.Merge([]Record{
		{ID: "v0", IsConverted: false},
		{ID: "v1", IsConverted: true, IsTexted: true, Text: "hello", URL: "u1"},
	})
	if converged != 1 {
		t.Errorf("converged = %d, want 1", converged)
	}
	if !reflect.DeepEqual(newly, []int{2}) {
		t.Errorf("newly = %v, want [2]", newly)
	}
	slots := tl.Slots()
	if slots[2].Text != "hello" || slots[2].VoiceURL != "u1" || !slots[2].Converged() {
		t.Errorf("slot2 = %+v", slots[2])
	}
	if slots[0].Text != "" || slots[0].Converged() {
		t.Errorf("slot0 changed: %+v", slots[0])
	}
	if slots[1].Text != "title card" {
		t.Errorf("voiceless slot changed: %+v", slots[1])
	}

	converged, newly = tl.Merge([]Record{
		{ID: "v0", IsConverted: true, IsTexted: true, Text: "good morning"},
		{ID: "v1", IsConverted: true, IsTexted: true, Text: "hello", URL: "u1"},
	})
	if converged != 2 || !reflect.DeepEqual(newly, []int{0}) {
		t.Errorf("converged=%d newly=%v", converged, newly)
	}
	if got := tl.Slots()[0].Text; got != "good morning" {
		t.Errorf("slot0 text = %q", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	records := []Record{
		{ID: "v0", IsConverted: true, IsTexted: true, Text: "a", URL: "u0"},
		{ID: "v1", IsConverted: true, IsTexted: false},
	}
	once := lesson()
	once.Merge(records)

	twice := lesson()
	twice.Merge(records)
	_, newly := twice.Merge(records)

	if !reflect.DeepEqual(once.Slots(), twice.Slots()) {
		t.Errorf("merge not idempotent:\n%+v\n%+v", once.Slots(), twice.Slots())
	}
	if len(newly) != 0 {
		t.Errorf("second merge reported newly converged %v", newly)
	}
}

func TestMergeKeepsUserEdit(t *testing.T) {
	for _, tt := range []struct {
		name      string
		editFirst bool
	}{
		{"edit before conversion", true},
		{"edit after conversion", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tl := lesson()
			rec := []Record{{ID: "v0", IsConverted: true, IsTexted: true, Text: "machine"}}
			if tt.editFirst {
				tl.EditText(0, "human")
				tl.Merge(rec)
			} else {
				tl.Merge(rec)
				tl.EditText(0, "human")
				tl.Merge(rec)
			}
			s, _ := tl.Slot(0)
			if s.Text != "human" {
				t.Errorf("text = %q, want user edit", s.Text)
			}
			if !s.Converged() {
				t.Error("status flags should still merge")
			}
		})
	}
}

func TestMergeEmptyTextNotCopiedUntilTexted(t *testing.T) {
	tl := lesson()
	tl.Merge([]Record{{ID: "v0", IsConverted: true, Text: "partial"}})
	if s, _ := tl.Slot(0); s.Text != "" {
		t.Errorf("text copied before isTexted: %q", s.Text)
	}
}

func TestMergeFewerRecords(t *testing.T) {
	tl := lesson()
	converged, _ := tl.Merge([]Record{{ID: "v0", IsConverted: true, IsTexted: true, Text: "x"}})
	if converged != 1 {
		t.Errorf("converged = %d", converged)
	}
	if s, _ := tl.Slot(2); s.IsConverted {
		t.Error("unpaired slot should be untouched")
	}
}

func TestEditTextOutOfRange(t *testing.T) {
	tl := lesson()
	for _, idx := range []int{-1, 3} {
		if err := tl.EditText(idx, "x"); !errors.Is(err, ErrNoSlot) {
			t.Errorf("EditText(%d) = %v, want ErrNoSlot", idx, err)
		}
	}
	if _, ok := tl.Slot(5); ok {
		t.Error("Slot(5) should not exist")
	}
}
