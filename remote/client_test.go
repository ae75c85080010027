package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNetworkMetricsSum(t *testing.T) {
	m := &NetworkMetrics{
		ConnWait:   10 * time.Millisecond,
		DNS:        20 * time.Millisecond,
		TCP:        30 * time.Millisecond,
		TLS:        40 * time.Millisecond,
		ReqHeaders: 5 * time.Millisecond,
		ReqBody:    15 * time.Millisecond,
		TTFB:       50 * time.Millisecond,
		Download:   25 * time.Millisecond,
	}
	if got, want := m.Sum(), 195*time.Millisecond; got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestUploadVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/lessons/l1/voices" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		for field, want := range map[string]string{
			"voiceID":      "v-1",
			"ordinal":      "3",
			"startTimeSec": "1.500",
			"durationSec":  "0.250",
		} {
			if got := r.FormValue(field); got != want {
				t.Errorf("%s = %q, want %q", field, got, want)
			}
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "fLaC" || hdr.Filename != "v-1.flac" {
			t.Errorf("file = %q (%s)", data, hdr.Filename)
		}
		w.Write([]byte(`{"url":"https://cdn.example/v-1.flac"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", 2)
	res, err := c.UploadVoice(context.Background(), "l1", Voice{
		VoiceID: "v-1", Ordinal: 3, StartTimeSec: 1.5, DurationSec: 0.25, Data: []byte("fLaC"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != "https://cdn.example/v-1.flac" {
		t.Errorf("URL = %q", res.URL)
	}
	if res.Metrics == nil {
		t.Error("expected metrics")
	}
}

func TestUploadVoiceEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res, err := New(srv.URL, "", 1).UploadVoice(context.Background(), "l1", Voice{VoiceID: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != "" {
		t.Errorf("URL = %q, want empty", res.URL)
	}
}

func TestErrorClassification(t *testing.T) {
	for _, tt := range []struct {
		name      string
		code      int
		transient bool
	}{
		{"server error", 500, true},
		{"bad gateway", 502, true},
		{"rate limited", 429, true},
		{"not found", 404, false},
		{"unauthorized", 401, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", 1).FetchVoiceTexts(context.Background(), "l1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.transient, err)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Errorf("expected StatusError %d, got %v", tt.code, err)
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, "", 1).FetchVoiceTexts(context.Background(), "l1")
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestCancelledIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL, "", 1).FetchVoiceTexts(ctx, "l1")
	if err == nil || IsTransient(err) {
		t.Errorf("expected non-transient cancellation, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFetchVoiceTexts(t *testing.T) {
	want := []VoiceText{
		{ID: "a", IsConverted: true, IsTexted: true, Text: "hello", URL: "u1"},
		{ID: "b", IsConverted: true},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lessons/l 1/voice_texts" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := New(srv.URL, "", 1).FetchVoiceTexts(context.Background(), "l 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFetchVoiceTextsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", 1).FetchVoiceTexts(context.Background(), "l1")
	if err == nil || IsTransient(err) {
		t.Errorf("expected terminal parse error, got %v", err)
	}
}

func TestFetchMaterial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lessons/l1/materials" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"durationSec":12,"timelines":[{"timeSec":0,"voice":{"id":"v0"}},{"timeSec":4,"text":"title","voice":{"id":""}}]}`))
	}))
	defer srv.Close()

	m, err := New(srv.URL, "", 1).FetchMaterial(context.Background(), "l1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DurationSec != 12 || len(m.Timelines) != 2 {
		t.Fatalf("got %+v", m)
	}
	if m.Timelines[0].Voice.ID != "v0" || m.Timelines[1].Text != "title" {
		t.Errorf("got %+v", m.Timelines)
	}
}
