package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lessonvoice/audio"
	"lessonvoice/log"
	"lessonvoice/uploader"
)

// Record screen messages.
type MicStatusMsg struct {
	Ready  bool
	Device string
}
type SpeakingMsg struct{ On bool }
type RecordingMsg struct{ On bool }
type UtteranceMsg struct {
	Ordinal     int
	StartSec    float64
	DurationSec float64
}
type UploadMsg struct{ Result uploader.Result }
type HotkeyMsg struct{ Text string }
type deviceSwitchedMsg struct {
	Device audio.DeviceInfo
	Err    error
}
type tickMsg time.Time

const (
	thresholdStep = 0.25
	minThreshold  = 0.25
	maxThreshold  = 10.0
	maxEventLines = 200

	noVoiceAfter = 3 * time.Second
)

// recordControls is the part of the capture controller the record screen
// drives directly.
type recordControls interface {
	Recording() bool
	SetRecording(on bool)
	SilenceThreshold() float64
	SetSilenceThreshold(sec float64)
	Level() float64
	Utterances() int
}

type recordModel struct {
	lessonID     string
	ctl          recordControls
	switchDevice func(id string) error
	devices      []audio.DeviceInfo
	deviceIdx    int
	hotkeyLine   string

	frame         int
	width, height int
	micReady      bool
	deviceLine    string
	speaking      bool
	recording     bool
	recSince      time.Time
	heardVoice    bool
	level         float64
	threshold     float64
	uploaded      int
	failed        int
	events        []string
	lastErr       string
	now           time.Time
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func setTUIProgram(p *tea.Program) {
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func newRecordModel(lessonID string, ctl recordControls, devices []audio.DeviceInfo, current string, switchDevice func(id string) error) recordModel {
	m := recordModel{
		lessonID:     lessonID,
		ctl:          ctl,
		switchDevice: switchDevice,
		devices:      devices,
		threshold:    ctl.SilenceThreshold(),
		recording:    ctl.Recording(),
		deviceLine:   deviceLineText(current),
	}
	for i, d := range devices {
		if current != "" && (d.ID == current || d.Name == current) {
			m.deviceIdx = i
		}
	}
	return m
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m recordModel) Init() tea.Cmd {
	return tuiTick()
}

func (m recordModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		m.now = time.Time(msg)
		if m.recording {
			m.level = m.level*0.6 + m.ctl.Level()*0.4
		} else {
			m.level = 0
		}
		return m, tuiTick()

	case MicStatusMsg:
		m.micReady = msg.Ready
		m.deviceLine = deviceLineText(msg.Device)
		if msg.Ready {
			m.lastErr = ""
		}

	case SpeakingMsg:
		m.speaking = msg.On
		if msg.On {
			m.heardVoice = true
		}

	case RecordingMsg:
		m.setRecording(msg.On)

	case UtteranceMsg:
		m.addEvent(fmt.Sprintf("#%d  %s  %.1fs", msg.Ordinal, clockText(msg.StartSec), msg.DurationSec))

	case UploadMsg:
		r := msg.Result
		if r.OK() {
			m.uploaded++
			m.addEvent(fmt.Sprintf("#%d  uploaded (%d attempt(s), %dms)", r.Ordinal, r.Attempts, r.Elapsed.Milliseconds()))
		} else {
			m.failed++
			m.addEvent(fmt.Sprintf("#%d  upload failed: %v", r.Ordinal, r.Err))
		}

	case HotkeyMsg:
		m.hotkeyLine = msg.Text

	case deviceSwitchedMsg:
		if msg.Err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.Device.Name, msg.Err)
		}
	}
	return m, nil
}

func (m recordModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case " ":
		on := !m.ctl.Recording()
		m.ctl.SetRecording(on)
		m.setRecording(on)
		log.Infof("record_key: recording=%v", on)

	case "+", "=":
		m.setThreshold(m.ctl.SilenceThreshold() + thresholdStep)

	case "-", "_":
		m.setThreshold(m.ctl.SilenceThreshold() - thresholdStep)

	case "d", "D":
		if len(m.devices) == 0 || m.switchDevice == nil {
			return m, nil
		}
		m.deviceIdx = (m.deviceIdx + 1) % len(m.devices)
		dev := m.devices[m.deviceIdx]
		m.deviceLine = deviceLineText(dev.Name) + " (switching)"
		return m, switchDeviceCmd(m.switchDevice, dev)
	}
	return m, nil
}

func (m *recordModel) setRecording(on bool) {
	if on && !m.recording {
		m.recSince = m.now
		m.heardVoice = false
	}
	m.recording = on
	if !on {
		m.speaking = false
	}
}

// noVoice reports a recording that has run for a while without any speech.
func (m recordModel) noVoice() bool {
	return m.recording && !m.heardVoice && !m.recSince.IsZero() && m.now.Sub(m.recSince) > noVoiceAfter
}

func (m *recordModel) setThreshold(sec float64) {
	sec = math.Max(minThreshold, math.Min(maxThreshold, sec))
	m.ctl.SetSilenceThreshold(sec)
	m.threshold = sec
}

func (m *recordModel) addEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
}

// switchDeviceCmd rebinds off the UI goroutine; teardown waits for the old
// segmenter.
func switchDeviceCmd(fn func(id string) error, dev audio.DeviceInfo) tea.Cmd {
	return func() tea.Msg {
		return deviceSwitchedMsg{Device: dev, Err: fn(dev.ID)}
	}
}

func clockText(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
)

func (m recordModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const eyeWidth = 45
	mode := eyeIdle
	switch {
	case !m.micReady:
		mode = eyeOffline
	case m.recording:
		mode = eyeRecording
	}
	eye := renderEye(m.frame, m.level, mode)

	var info []string
	switch {
	case m.recording && m.speaking:
		info = append(info, recStyle.Render("● REC")+" "+okStyle.Render("speaking"))
	case m.noVoice():
		info = append(info, recStyle.Render("● REC")+" "+warnStyle.Render("⚠ no voice detected"))
	case m.recording:
		info = append(info, recStyle.Render("● REC"))
	default:
		info = append(info, dimStyle.Render("○ STANDBY"))
	}
	if m.micReady {
		info = append(info, okStyle.Render("mic ready"))
	} else {
		info = append(info, warnStyle.Render("mic not ready"))
	}
	info = append(info, dimStyle.Render(m.deviceLine))
	info = append(info, dimStyle.Render(fmt.Sprintf("silence %.2fs", m.threshold)))
	info = append(info, dimStyle.Render(fmt.Sprintf("utterances %d  uploaded %d  failed %d", m.ctl.Utterances(), m.uploaded, m.failed)))
	if m.lastErr != "" {
		info = append(info, warnStyle.Render("⚠ "+m.lastErr))
	}
	info = append(info, "")
	if m.hotkeyLine != "" {
		info = append(info, helpStyle.Render(m.hotkeyLine))
	}
	info = append(info, helpKeyStyle.Render("space")+helpStyle.Render(" record  ")+
		helpKeyStyle.Render("+/-")+helpStyle.Render(" silence  ")+
		helpKeyStyle.Render("d")+helpStyle.Render(" device  ")+
		helpKeyStyle.Render("q")+helpStyle.Render(" quit"))
	info = append(info, helpStyle.Render("lessonvoice "+version))

	for _, line := range info {
		eye += line + "\n"
	}
	eyeLines := strings.Split(eye, "\n")

	logWidth := max(m.width-eyeWidth-1, 20)
	var panel strings.Builder
	panel.WriteString(titleStyle.Render("Lesson "+m.lessonID) + "\n\n")
	if len(m.events) == 0 {
		panel.WriteString(dimStyle.Render("No utterances yet"))
	} else {
		visible := max(m.height-2, 1)
		start := max(len(m.events)-visible, 0)
		for _, line := range m.events[start:] {
			panel.WriteString(textStyle.Render(truncate(line, logWidth-2)) + "\n")
		}
	}

	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(panel.String())

	eyePadded := make([]string, m.height)
	for i := range eyePadded {
		if i < len(eyeLines) {
			eyePadded[i] = eyeLines[i]
		} else {
			eyePadded[i] = strings.Repeat(" ", eyeWidth-1)
		}
	}
	eyePanel := lipgloss.NewStyle().
		Width(eyeWidth - 1).
		Height(m.height).
		Render(strings.Join(eyePadded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, eyePanel, logPanel)
}

func truncate(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 {
		r = r[:width-1]
	}
	return string(r) + "…"
}

type eyeMode int

const (
	eyeIdle eyeMode = iota
	eyeRecording
	eyeOffline
)

var (
	eyePalettes = [3][]string{
		eyeIdle:      {"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"},
		eyeRecording: {"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"},
		eyeOffline:   {"", "250", "248", "246", "244", "242", "240", "238", "237", "236", "236", "236", "236", "236", "255", "249"},
	}
	eyeStyles   [3][16]lipgloss.Style
	eyeBgStyles [3][16][16]lipgloss.Style
)

func init() {
	for mode, palette := range eyePalettes {
		for i, fg := range palette {
			if fg == "" {
				continue
			}
			eyeStyles[mode][i] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
			for j, bg := range palette {
				if bg != "" {
					eyeBgStyles[mode][i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
				}
			}
		}
	}
}

// renderEye draws concentric rings in half-block characters. While
// recording the red rings swell with the input level.
func renderEye(frame int, level float64, mode eyeMode) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	var breathe float64
	switch mode {
	case eyeRecording:
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	case eyeOffline:
		breathe = -0.05
	default:
		breathe = math.Sin(float64(frame)*0.08)*0.02 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	rings := []struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4},
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := math.Min(r.radius+breathe*r.breatheAmt*20, 10.0)
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass highlights.
	spots := []struct {
		ox, oy float64
		radius float64
		color  int
	}{
		{-9.0 * 0.707, -9.0 * 0.707, 0.7, 14},
		{-7.2 * 0.707, -7.2 * 0.707, 0.4, 15},
		{0, -10.0, 0.8, 14},
		{0, -8.2, 0.6, 15},
		{9.0 * 0.707, -9.0 * 0.707, 0.7, 14},
		{7.2 * 0.707, -7.2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	styles := &eyeStyles[mode]
	bgStyles := &eyeBgStyles[mode]

	var b strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			top := pixels[cy*2][cx]
			bot := pixels[cy*2+1][cx]
			switch {
			case top == 0 && bot == 0:
				b.WriteString(" ")
			case top == bot:
				b.WriteString(styles[top].Render("█"))
			case bot == 0:
				b.WriteString(styles[top].Render("▀"))
			case top == 0:
				b.WriteString(styles[bot].Render("▄"))
			default:
				b.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
