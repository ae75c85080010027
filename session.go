package main

import (
	"context"
	"time"

	"lessonvoice/audio"
	"lessonvoice/capture"
	"lessonvoice/config"
	"lessonvoice/ledger"
	"lessonvoice/log"
	"lessonvoice/remote"
	"lessonvoice/segmenter"
	"lessonvoice/uploader"
)

// drainTimeout bounds how long closing a session waits for queued uploads.
const drainTimeout = 30 * time.Second

// session wires one capture controller to one upload task for a lesson.
type session struct {
	lessonID string
	ctl      *capture.Controller
	task     *uploader.Task
	ledger   *ledger.Ledger
	ctx      context.Context
	cancel   context.CancelFunc
}

func startSession(actx audio.Context, cfg config.Config, lessonID string, sink capture.EventSink, onResult func(uploader.Result)) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{lessonID: lessonID, ctx: ctx, cancel: cancel}

	var rec uploader.Recorder
	if led, err := ledger.Open(cfg.Upload.Ledger); err != nil {
		log.Warnf("upload ledger unavailable: %v", err)
	} else {
		s.ledger = led
		rec = led
	}

	concurrency := cfg.Upload.Concurrency
	s.task = uploader.New(ctx, uploader.Config{
		NewStore: func(c uploader.Credentials) uploader.Store {
			return remote.New(c.APIURL, c.Token, concurrency)
		},
		Recorder:    rec,
		OnResult:    onResult,
		Concurrency: concurrency,
		MaxAttempts: cfg.Upload.MaxAttempts,
		RetryBase:   cfg.Upload.RetryBase,
		MaxPending:  cfg.Upload.MaxPending,
	})

	s.ctl = capture.New(capture.Config{
		Audio:     actx,
		Submitter: s.task,
		Sink:      sink,
		Detector: segmenter.DetectorConfig{
			ActivityFloor:   cfg.Audio.ActivityFloor,
			MaxUtteranceSec: cfg.Audio.MaxUtteranceSec,
		},
		SilenceThresholdSec: cfg.Audio.SilenceSec,
	})

	if err := s.task.Initialize(uploader.Credentials{
		LessonID: lessonID,
		Token:    cfg.API.Token,
		APIURL:   cfg.API.URL,
	}); err != nil {
		log.Errorf("upload task initialize: %v", err)
	}
	return s
}

// bind opens the device and starts watching for hotplug. A device that is
// not ready is reported and left to the watcher.
func (s *session) bind(deviceID string) error {
	err := s.ctl.BindDevice(s.ctx, deviceID)
	if err != nil && !capture.IsNotReady(err) {
		return err
	}
	if err != nil {
		log.Warnf("mic not ready: %v", err)
	}
	go s.ctl.Watch(s.ctx, capture.DefaultWatchInterval)
	return nil
}

// close stops capture and waits for the upload task to drain.
func (s *session) close() {
	s.ctl.Dispose()
	select {
	case <-s.task.Done():
	case <-time.After(drainTimeout):
		log.Warnf("uploads still running after %s, abandoning %d", drainTimeout, s.task.InFlight())
	}
	s.cancel()
	log.SessionEnd(s.ctl.Utterances(), s.ctl.LostUtterances(), s.task.Uploaded(), s.task.Failed())
	if s.ledger != nil {
		s.ledger.Close()
	}
}
