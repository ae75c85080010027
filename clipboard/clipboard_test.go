package clipboard

import (
	"errors"
	"testing"
)

func TestCopyRoundTrip(t *testing.T) {
	if !Available() {
		if err := Copy("x"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Copy without clipboard tool = %v, want ErrUnavailable", err)
		}
		t.Skip("no clipboard tool on this machine")
	}
	if err := Copy("lesson slot text"); err != nil {
		t.Skipf("clipboard not usable here: %v", err)
	}
	got, err := Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "lesson slot text" {
		t.Errorf("Read = %q, want %q", got, "lesson slot text")
	}
}
