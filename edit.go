package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"lessonvoice/audio"
	"lessonvoice/clipboard"
	"lessonvoice/config"
	"lessonvoice/log"
	"lessonvoice/player"
	"lessonvoice/remote"
	"lessonvoice/shutdown"
	"lessonvoice/timeline"
)

var errNoAudio = errors.New("audio output unavailable")

// silentPlayer stands in when no audio context could be opened.
type silentPlayer struct{}

func (silentPlayer) Load(context.Context, string) (player.Clip, error) {
	return player.Clip{}, errNoAudio
}

func (silentPlayer) Play(context.Context, player.Clip) error { return errNoAudio }

// loadTimeline turns the lesson material into slots. Entries without a
// voice are silent slots.
func loadTimeline(ctx context.Context, client *remote.Client, lessonID string) (*timeline.Timeline, error) {
	mat, err := client.FetchMaterial(ctx, lessonID)
	if err != nil {
		return nil, fmt.Errorf("loading lesson %s: %w", lessonID, err)
	}
	slots := make([]timeline.Slot, len(mat.Timelines))
	for i, e := range mat.Timelines {
		slots[i] = timeline.Slot{
			TimeSec:  e.TimeSec,
			VoiceRef: e.Voice.ID,
			Text:     e.Text,
		}
	}
	return timeline.New(slots), nil
}

// voiceTextFetcher adapts the lesson API to the reconciler.
func voiceTextFetcher(client *remote.Client, lessonID string) timeline.Fetcher {
	return timeline.FetcherFunc(func(ctx context.Context) ([]timeline.Record, error) {
		texts, err := client.FetchVoiceTexts(ctx, lessonID)
		if err != nil {
			return nil, err
		}
		records := make([]timeline.Record, len(texts))
		for i, vt := range texts {
			records[i] = timeline.Record{
				ID:          vt.ID,
				IsConverted: vt.IsConverted,
				IsTexted:    vt.IsTexted,
				Text:        vt.Text,
				URL:         vt.URL,
			}
		}
		return records, nil
	})
}

func reconcileConfig(cfg config.ReconcileConfig, onProgress func(timeline.Progress)) timeline.Config {
	return timeline.Config{
		Interval:    cfg.Interval,
		Multiplier:  cfg.Multiplier,
		MaxInterval: cfg.MaxInterval,
		MaxPolls:    cfg.MaxPolls,
		Timeout:     cfg.Timeout,
		Retryable:   remote.IsTransient,
		OnProgress:  onProgress,
	}
}

func runEdit(cfg config.Config, opts options) {
	requireLesson(cfg, opts)

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.SessionStart(opts.lessonID, "edit", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := remote.New(cfg.API.URL, cfg.API.Token, 2)
	tl, err := loadTimeline(ctx, client, opts.lessonID)
	if err != nil {
		fatalf("%v", err)
	}

	var p player.Player = silentPlayer{}
	if actx, err := audio.NewContext(); err != nil {
		log.Warnf("playback disabled: %v", err)
	} else {
		defer actx.Close()
		p = player.NewStreamPlayer(actx)
	}
	mgr := player.NewManager(ctx, p, func(index int, s player.State) {
		tuiSend(PlaybackMsg{Index: index, State: s})
	})

	prog := tea.NewProgram(newEditModel(opts.lessonID, tl, mgr, clipboard.Copy), tea.WithAltScreen())
	setTUIProgram(prog)

	rec := timeline.NewReconciler(tl, voiceTextFetcher(client, opts.lessonID), reconcileConfig(cfg.Reconcile, func(pr timeline.Progress) {
		tuiSend(ProgressMsg{Progress: pr})
	}))
	go func() {
		err := rec.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("reconcile stopped: %v", err)
		}
		tuiSend(ReconcileDoneMsg{Err: err})
	}()

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		prog.Quit()
	}()

	if _, err := prog.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
	setTUIProgram(nil)
	cancel()
	mgr.Stop()

	printTimeline(tl)
	log.SessionEnd(tl.Expected(), 0, tl.Converged(), 0)
}

// printTimeline writes the final slot texts so edits survive the alt screen.
func printTimeline(tl *timeline.Timeline) {
	for _, s := range tl.Slots() {
		if s.Text == "" {
			continue
		}
		fmt.Printf("%s\t%s\n", clockText(s.TimeSec), s.Text)
	}
}
