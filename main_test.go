package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lessonvoice/audio"
	"lessonvoice/config"
	"lessonvoice/ledger"
	"lessonvoice/remote"
	"lessonvoice/segmenter"
	"lessonvoice/timeline"
	"lessonvoice/uploader"
)

const testRate = 16000

func tonePCM(ms int) []byte {
	n := testRate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*220*float64(i)/testRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func quietPCM(ms int) []byte {
	return make([]byte, testRate*ms/1000*2)
}

type nopSink struct{}

func (nopSink) MicReady(bool, string)                 {}
func (nopSink) Speaking(bool)                         {}
func (nopSink) UtteranceCaptured(segmenter.Utterance) {}

type lessonServer struct {
	*httptest.Server
	mu       sync.Mutex
	ordinals []string
}

func newLessonServer(t *testing.T) *lessonServer {
	ls := &lessonServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/lessons/L1/voices", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ls.mu.Lock()
		ls.ordinals = append(ls.ordinals, r.FormValue("ordinal"))
		ls.mu.Unlock()
		fmt.Fprintf(w, `{"url":"https://cdn.example/%s.flac"}`, r.FormValue("voiceID"))
	})
	mux.HandleFunc("/lessons/L1/materials", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"durationSec":90,"timelines":[
			{"timeSec":0,"text":"","voice":{"id":"v0"}},
			{"timeSec":20,"text":"intro slide","voice":{"id":""}},
			{"timeSec":45,"text":"","voice":{"id":"v2"}}
		]}`)
	})
	mux.HandleFunc("/lessons/L1/voice_texts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":"v0","isConverted":true,"isTexted":true,"text":"good morning","url":"https://cdn.example/v0.flac"},
			{"id":"v2","isConverted":true,"isTexted":true,"text":"see you","url":"https://cdn.example/v2.flac"}
		]`)
	})
	ls.Server = httptest.NewServer(mux)
	t.Cleanup(ls.Close)
	return ls
}

func (ls *lessonServer) uploads() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]string(nil), ls.ordinals...)
}

func testConfig(t *testing.T, apiURL string) config.Config {
	cfg := config.Default()
	cfg.API.URL = apiURL
	cfg.Audio.SilenceSec = 0.5
	cfg.Upload.Ledger = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Upload.RetryBase = 10 * time.Millisecond
	return cfg
}

func TestSessionUploadsAndRecords(t *testing.T) {
	srv := newLessonServer(t)
	cfg := testConfig(t, srv.URL)
	actx := audio.NewManualFakeContext(audio.DeviceInfo{ID: "usb", Name: "USB Mic"})

	results := make(chan uploader.Result, 4)
	sess := startSession(actx, cfg, "L1", nopSink{}, func(r uploader.Result) { results <- r })
	if err := sess.bind("usb"); err != nil {
		t.Fatal(err)
	}
	sess.ctl.SetRecording(true)

	caps := actx.Captures()
	if len(caps) != 1 {
		t.Fatalf("got %d captures, want 1", len(caps))
	}
	caps[0].Push(tonePCM(400))
	caps[0].Push(quietPCM(800))

	select {
	case r := <-results:
		if !r.OK() {
			t.Fatalf("upload failed: %v", r.Err)
		}
		if r.Ordinal != 0 {
			t.Errorf("ordinal = %d, want 0", r.Ordinal)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upload")
	}
	sess.close()

	if got := srv.uploads(); len(got) != 1 || got[0] != "0" {
		t.Errorf("server saw %v, want [0]", got)
	}

	led, err := ledger.Open(cfg.Upload.Ledger)
	if err != nil {
		t.Fatal(err)
	}
	defer led.Close()
	uploaded, failed, err := led.Summary(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if uploaded != 1 || failed != 0 {
		t.Errorf("ledger summary = %d uploaded, %d failed", uploaded, failed)
	}
}

func TestSessionWithoutLedger(t *testing.T) {
	srv := newLessonServer(t)
	cfg := testConfig(t, srv.URL)
	// A regular file where the ledger directory should be makes Open fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Upload.Ledger = filepath.Join(blocker, "ledger.db")

	sess := startSession(audio.NewManualFakeContext(), cfg, "L1", nopSink{}, nil)
	if sess.ledger != nil {
		t.Error("ledger should be nil when it cannot be opened")
	}
	sess.close()
}

func TestLoadTimelineAndReconcile(t *testing.T) {
	srv := newLessonServer(t)
	cfg := testConfig(t, srv.URL)
	client := remote.New(cfg.API.URL, "", 2)

	tl, err := loadTimeline(context.Background(), client, "L1")
	if err != nil {
		t.Fatal(err)
	}
	if tl.Len() != 3 || tl.Expected() != 2 {
		t.Fatalf("len=%d expected=%d", tl.Len(), tl.Expected())
	}

	var progress []timeline.Progress
	rc := reconcileConfig(cfg.Reconcile, func(p timeline.Progress) { progress = append(progress, p) })
	rc.Interval = 10 * time.Millisecond
	if err := timeline.NewReconciler(tl, voiceTextFetcher(client, "L1"), rc).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(progress) == 0 || progress[len(progress)-1].Converged != 2 {
		t.Errorf("progress = %+v", progress)
	}

	slots := tl.Slots()
	if slots[0].Text != "good morning" || slots[2].Text != "see you" {
		t.Errorf("texts = %q, %q", slots[0].Text, slots[2].Text)
	}
	if slots[1].Text != "intro slide" {
		t.Errorf("silent slot text changed: %q", slots[1].Text)
	}
	if slots[0].VoiceURL == "" {
		t.Error("voice URL not merged")
	}
}

func TestLoadTimelineMissingLesson(t *testing.T) {
	srv := newLessonServer(t)
	client := remote.New(srv.URL, "", 2)
	if _, err := loadTimeline(context.Background(), client, "nope"); err == nil {
		t.Fatal("expected error for unknown lesson")
	}
}

func TestSilentPlayer(t *testing.T) {
	if _, err := (silentPlayer{}).Load(context.Background(), "x"); !errors.Is(err, errNoAudio) {
		t.Errorf("Load err = %v", err)
	}
}

func TestRenderHistory(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	out := renderHistory([]ledger.Entry{
		{LessonID: "L1", Ordinal: 0, StartTimeSec: 65, DurationSec: 2.5, Status: ledger.StatusUploaded, Attempts: 1, URL: "https://cdn.example/a.flac", CreatedAt: at},
		{LessonID: "L1", Ordinal: 1, StartTimeSec: 80, DurationSec: 1, Status: ledger.StatusFailed, Attempts: 3, Error: "status 400", CreatedAt: at},
	})
	for _, want := range []string{"WHEN", "URL / ERROR", "2026-03-02 09:30", "01:05", "2.5s", "https://cdn.example/a.flac", "status 400"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}
