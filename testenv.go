package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lessonvoice/audio"
	"lessonvoice/config"
	"lessonvoice/log"
	"lessonvoice/segmenter"
	"lessonvoice/uploader"
)

const testLessonID = "test-lesson"

// printSink reports controller events on stdout for scripted runs.
type printSink struct{}

func (printSink) MicReady(ready bool, device string) {
	fmt.Printf("MIC %v %s\n", ready, device)
}

func (printSink) Speaking(on bool) {
	fmt.Printf("SPEAKING %v\n", on)
}

func (printSink) UtteranceCaptured(u segmenter.Utterance) {
	fmt.Printf("UTTERANCE %d %.2f %.2f\n", u.Ordinal, u.StartTimeSec, u.DurationSec)
}

// runTestMode records from a WAV file, driven by commands on stdin:
//
//	REC_ON | REC_OFF        toggle recording
//	BIND                    open the fake device and start feeding audio
//	THRESHOLD <sec>         change the silence threshold
//	ELAPSED <sec>           calibrate the lesson clock
//	WAIT_AUDIO_DONE         block until the WAV has been fed
//	WAIT_UPLOADS <n>        block until n uploads finished
//	SLEEP <ms>
//	QUIT
func runTestMode(wavPath string, cfg config.Config, opts options) {
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	lessonID := opts.lessonID
	if lessonID == "" {
		lessonID = testLessonID
	}

	fakeCtx, err := audio.NewFakeContext(wavPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}

	log.SessionStart(lessonID, "test", wavPath)
	sess := startSession(fakeCtx, cfg, lessonID, printSink{}, func(r uploader.Result) {
		if r.OK() {
			fmt.Printf("UPLOADED %d %s\n", r.Ordinal, r.VoiceID)
		} else {
			fmt.Printf("FAILED %d %v\n", r.Ordinal, r.Err)
		}
	})
	finish := func() {
		sess.close()
		fmt.Printf("DONE %d %d %d\n", sess.ctl.Utterances(), sess.task.Uploaded(), sess.task.Failed())
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		switch cmd {
		case "REC_ON":
			sess.ctl.SetRecording(true)
		case "REC_OFF":
			sess.ctl.SetRecording(false)
		case "BIND":
			if err := sess.bind(""); err != nil {
				fmt.Fprintf(os.Stderr, "Error binding device: %v\n", err)
				gracefulShutdown(1, finish)
			}
		case "THRESHOLD":
			if sec, err := strconv.ParseFloat(arg, 64); err == nil {
				sess.ctl.SetSilenceThreshold(sec)
			}
		case "ELAPSED":
			if sec, err := strconv.ParseFloat(arg, 64); err == nil {
				sess.ctl.SetElapsedTime(sec)
			}
		case "WAIT_AUDIO_DONE":
			if caps := fakeCtx.Captures(); len(caps) > 0 {
				<-caps[len(caps)-1].AudioDone()
			}
		case "WAIT_UPLOADS":
			n, _ := strconv.Atoi(arg)
			waitUploads(sess.task, n, drainTimeout)
		case "SLEEP":
			if ms, err := strconv.Atoi(arg); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "QUIT":
			gracefulShutdown(0, finish)
		}
	}
	gracefulShutdown(0, finish)
}

func waitUploads(task *uploader.Task, n int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for task.Uploaded()+task.Failed() < n {
		if time.Now().After(deadline) {
			log.Warnf("gave up waiting for %d uploads", n)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
