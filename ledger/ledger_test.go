package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"lessonvoice/uploader"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()

	results := []uploader.Result{
		{LessonID: "a", VoiceID: "v2", Ordinal: 2, StartTimeSec: 4, DurationSec: 1, Bytes: 10, Attempts: 1, URL: "u2"},
		{LessonID: "a", VoiceID: "v0", Ordinal: 0, StartTimeSec: 0, DurationSec: 1.5, Bytes: 20, Attempts: 1, URL: "u0"},
		{LessonID: "a", VoiceID: "v1", Ordinal: 1, Attempts: 3, Err: errors.New("503")},
		{LessonID: "b", VoiceID: "w0", Ordinal: 0, Attempts: 1},
	}
	for _, r := range results {
		if err := l.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.List(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Ordinal != i {
			t.Errorf("entry %d has ordinal %d", i, e.Ordinal)
		}
	}
	if entries[0].VoiceID != "v0" || entries[0].Status != StatusUploaded || entries[0].DurationSec != 1.5 || entries[0].URL != "u0" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Status != StatusFailed || entries[1].Error != "503" || entries[1].Attempts != 3 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	all, err := l.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("got %d entries across lessons, want 4", len(all))
	}
}

func TestRecordUpsert(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()

	l.Record(ctx, uploader.Result{LessonID: "a", VoiceID: "v", Attempts: 1, Err: errors.New("boom")})
	l.Record(ctx, uploader.Result{LessonID: "a", VoiceID: "v", Attempts: 2, URL: "u"})

	entries, err := l.List(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if e := entries[0]; e.Status != StatusUploaded || e.Error != "" || e.Attempts != 2 || e.URL != "u" {
		t.Errorf("got %+v", e)
	}
}

func TestSummary(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()

	up, failed, err := l.Summary(ctx, "empty")
	if err != nil || up != 0 || failed != 0 {
		t.Errorf("empty lesson: %d %d %v", up, failed, err)
	}

	l.Record(ctx, uploader.Result{LessonID: "a", VoiceID: "1"})
	l.Record(ctx, uploader.Result{LessonID: "a", VoiceID: "2"})
	l.Record(ctx, uploader.Result{LessonID: "a", VoiceID: "3", Err: errors.New("x")})

	up, failed, err = l.Summary(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if up != 2 || failed != 1 {
		t.Errorf("got uploaded=%d failed=%d, want 2 1", up, failed)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(context.Background(), uploader.Result{LessonID: "a", VoiceID: "v"})
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	entries, err := l.List(context.Background(), "a", 0)
	if err != nil || len(entries) != 1 {
		t.Errorf("got %d entries, err %v", len(entries), err)
	}
}
