package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"lessonvoice/audio"
	"lessonvoice/beep"
	"lessonvoice/config"
	"lessonvoice/hotkey"
	"lessonvoice/log"
	"lessonvoice/shutdown"
	"lessonvoice/uploader"
)

func runRecord(cfg config.Config, opts options) {
	requireLesson(cfg, opts)

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	actx, err := audio.NewContext()
	if err != nil {
		fatalf("initializing audio context: %v", err)
	}
	defer actx.Close()

	if opts.setup {
		dev, err := audio.SelectDevice(actx, cfg.Audio.Device)
		switch {
		case err != nil:
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
		case dev != nil:
			cfg.Audio.Device = dev.ID
		}
	}

	log.SessionStart(opts.lessonID, "record", cfg.Audio.Device)
	var cues *beep.Cues
	if opts.cues {
		cues = beep.New(actx)
	}
	sess := startSession(actx, cfg, opts.lessonID, tuiSink{}, func(r uploader.Result) {
		if !r.OK() {
			cues.Error()
		}
		tuiSend(UploadMsg{Result: r})
	})
	ctl := cueControls{Controller: sess.ctl, cues: cues}

	devices, err := actx.Devices()
	if err != nil {
		log.Warnf("device enumeration failed: %v", err)
	}
	switchDevice := func(id string) error {
		return sess.ctl.BindDevice(context.Background(), id)
	}
	p := tea.NewProgram(newRecordModel(opts.lessonID, ctl, devices, cfg.Audio.Device, switchDevice), tea.WithAltScreen())
	setTUIProgram(p)

	tuiDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		tuiDone <- err
	}()

	if err := sess.bind(cfg.Audio.Device); err != nil {
		log.Errorf("binding capture device: %v", err)
	}

	hkCtx, stopHotkey := context.WithCancel(context.Background())
	defer stopHotkey()
	hk := hotkey.New(opts.binding)
	if err := hk.Register(); err != nil {
		log.Warnf("hotkey register error: %v", err)
		tuiSend(HotkeyMsg{Text: "hotkey unavailable (lessonvoice -doctor)"})
	} else {
		defer hk.Unregister()
		tuiSend(HotkeyMsg{Text: opts.binding.String() + ": tap to toggle, hold to talk"})
		go hotkey.Drive(hkCtx, hk, ctl, opts.longPress, func(on bool) {
			log.Infof("hotkey: recording=%v", on)
			tuiSend(RecordingMsg{On: on})
		})
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	select {
	case err := <-tuiDone:
		if err != nil {
			log.Errorf("TUI error: %v", err)
		}
	case <-sigChan:
		p.Quit()
		<-tuiDone
	}
	stopHotkey()
	setTUIProgram(nil)

	fmt.Println("Finishing uploads...")
	sess.close()
	cues.Wait()
	fmt.Printf("%d utterances, %d uploaded, %d failed\n", sess.ctl.Utterances(), sess.task.Uploaded(), sess.task.Failed())
	if lost := sess.ctl.LostUtterances(); lost > 0 {
		fmt.Printf("%d utterances lost before upload\n", lost)
	}
}
