package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: LESSONVOICE_LOG_PATH environment variable
	if envPath := os.Getenv("LESSONVOICE_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(lessonID, command, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("lesson", lessonID).
		Str("command", command).
		Str("device", device).
		Msg("session_start")
}

func SessionEnd(utterances, lost, uploaded, failed int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("utterances", utterances).
		Int("lost", lost).
		Int("uploaded", uploaded).
		Int("failed", failed).
		Msg("session_end")
}

func DeviceBound(device string, generation uint64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("device", device).
		Uint64("generation", generation).
		Msg("device_bound")
}

func Utterance(ordinal int, startS, durationS float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("ordinal", ordinal).
		Float64("start_s", startS).
		Float64("duration_s", durationS).
		Msg("utterance")
}

// UploadMetrics describes one finished upload attempt sequence.
type UploadMetrics struct {
	Ordinal      int
	VoiceID      string
	Attempts     int
	RawSizeKB    float64
	FlacSizeKB   float64
	EncodeTimeMs float64
	TTFBMs       float64
	TotalTimeMs  float64
	ConnReused   bool
	Err          error
}

func Upload(m UploadMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	ev := diagLog.Info()
	if m.Err != nil {
		ev = diagLog.Error().Err(m.Err)
	}
	ev.Int("ordinal", m.Ordinal).
		Str("voice", m.VoiceID).
		Int("attempts", m.Attempts).
		Str("conn", connStatus).
		Float64("raw_kb", m.RawSizeKB).
		Float64("flac_kb", m.FlacSizeKB).
		Float64("encode_ms", m.EncodeTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("upload")
}

func Poll(attempt, converged, expected int, next time.Duration, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Int("attempt", attempt).
		Int("converged", converged).
		Int("expected", expected).
		Dur("next", next).
		Msg("poll")
}

func Reconciled(expected, polls int, elapsed time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("expected", expected).
		Int("polls", polls).
		Dur("elapsed", elapsed).
		Msg("reconciled")
}

// TranscriptText appends one converged slot text to transcript_log.txt.
func TranscriptText(index int, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t#%d\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, index, text)
	transcriptFile.WriteString(line)
}
