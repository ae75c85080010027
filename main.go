package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"lessonvoice/audio"
	"lessonvoice/config"
	"lessonvoice/doctor"
	"lessonvoice/hotkey"
	"lessonvoice/log"
)

var version = "dev"

const usageText = `Usage: lessonvoice [flags] <command> [flags]

Commands:
  record    capture utterances and upload them to the lesson (default)
  edit      follow transcription of a lesson and edit slot texts
  devices   list capture devices
  history   list recorded uploads from the local ledger

Flags:
`

type options struct {
	command   string
	lessonID  string
	setup     bool
	binding   hotkey.Binding
	longPress time.Duration
	cues      bool
}

var shutdownOnce sync.Once

// gracefulShutdown is for paths that cannot unwind back to run, such as
// the QUIT command of test mode.
func gracefulShutdown(code int, cleanup func()) {
	shutdownOnce.Do(func() {
		if cleanup != nil {
			cleanup()
		}
		log.Close()
		os.Exit(code)
	})
}

func deviceLineText(name string) string {
	if name == "" {
		name = "system default"
	}
	suffix := ""
	if audio.IsBluetooth(name) {
		suffix = " (BT!)"
	}
	return "mic: " + name + suffix
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	log.Close()
	os.Exit(1)
}

func run() {
	configFlag := flag.String("config", "", "config file (default: $LESSONVOICE_CONFIG or ~/.config/lessonvoice/config.yaml)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	lessonFlag := flag.String("lesson", "", "lesson ID")
	apiFlag := flag.String("api", "", "lesson API base URL")
	deviceFlag := flag.String("device", "", "capture device ID or name")
	setupFlag := flag.Bool("setup", false, "pick the capture device interactively")
	silenceFlag := flag.Float64("silence", 0, "silence threshold in seconds that ends an utterance")
	hotkeyFlag := flag.String("hotkey", "ctrl+shift+space", "global record hotkey")
	longPressFlag := flag.Duration("longpress", hotkey.DefaultLongPress, "hold longer than this for push-to-talk")
	beepFlag := flag.Bool("beep", true, "play cues when recording starts or stops and when an upload fails")
	doctorFlag := flag.Bool("doctor", false, "run system diagnostics and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	testFlag := flag.String("test", "", "headless stdin-driven recording from a WAV file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Flags are accepted on both sides of the command name.
	command := "record"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
		if err := flag.CommandLine.Parse(args[1:]); err != nil {
			os.Exit(2)
		}
		if flag.NArg() > 0 {
			fmt.Fprintf(os.Stderr, "Error: unexpected arguments %v\n", flag.Args())
			os.Exit(2)
		}
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if *versionFlag {
		fmt.Printf("lessonvoice %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *apiFlag != "" {
		cfg.API.URL = *apiFlag
	}
	if *deviceFlag != "" {
		cfg.Audio.Device = *deviceFlag
	}
	if *silenceFlag > 0 {
		cfg.Audio.SilenceSec = *silenceFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	binding, err := hotkey.ParseBinding(*hotkeyFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *doctorFlag {
		os.Exit(doctor.Run(doctor.Options{
			DeviceID:   cfg.Audio.Device,
			SilenceSec: cfg.Audio.SilenceSec,
			APIURL:     cfg.API.URL,
			Token:      cfg.API.Token,
			Binding:    binding,
		}))
	}

	opts := options{
		command:   command,
		lessonID:  *lessonFlag,
		setup:     *setupFlag,
		binding:   binding,
		longPress: *longPressFlag,
		cues:      *beepFlag,
	}

	if *testFlag != "" {
		runTestMode(*testFlag, cfg, opts)
		return
	}

	switch command {
	case "record":
		runRecord(cfg, opts)
	case "edit":
		runEdit(cfg, opts)
	case "devices":
		runDevices(cfg)
	case "history":
		runHistory(cfg, opts)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}
}

func requireLesson(cfg config.Config, opts options) {
	if opts.lessonID == "" {
		fatalf("%s needs -lesson", opts.command)
	}
	if cfg.API.URL == "" {
		fatalf("%s needs an API URL (-api, LESSONVOICE_API_URL or api.url in the config file)", opts.command)
	}
}

func runDevices(cfg config.Config) {
	actx, err := audio.NewContext()
	if err != nil {
		fatalf("initializing audio: %v", err)
	}
	defer actx.Close()

	devices, err := actx.Devices()
	if err != nil {
		fatalf("enumerating devices: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found.")
		return
	}
	for _, d := range devices {
		mark := "  "
		if cfg.Audio.Device != "" && (d.ID == cfg.Audio.Device || d.Name == cfg.Audio.Device) {
			mark = "* "
		}
		note := ""
		if audio.IsBluetooth(d.Name) {
			note = "  (bluetooth, expect low quality)"
		}
		fmt.Printf("%s%s\t%s%s\n", mark, d.Name, d.ID, note)
	}
}
