package player

import (
	"context"
	"sync"

	"lessonvoice/log"
)

type State int

const (
	Stopped State = iota
	Loading
	Playing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	}
	return "unknown"
}

// Clip is decoded voice audio.
type Clip struct {
	Samples    []int16
	SampleRate uint32
}

// Player fetches and plays one voice. Both calls return early when ctx
// is cancelled.
type Player interface {
	Load(ctx context.Context, url string) (Clip, error)
	Play(ctx context.Context, clip Clip) error
}

// Manager owns the playback state of every slot. At most one slot is
// loading or playing at a time; every other slot is Stopped.
type Manager struct {
	ctx      context.Context
	player   Player
	onChange func(index int, s State)

	mu      sync.Mutex
	current int
	state   State
	cancel  context.CancelFunc
	seq     uint64
	wg      sync.WaitGroup
}

func NewManager(ctx context.Context, p Player, onChange func(index int, s State)) *Manager {
	if onChange == nil {
		onChange = func(int, State) {}
	}
	return &Manager{ctx: ctx, player: p, onChange: onChange, current: -1}
}

func (m *Manager) State(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index != m.current {
		return Stopped
	}
	return m.state
}

// Current returns the active slot, or -1.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped {
		return -1
	}
	return m.current
}

// Toggle stops the slot if it is loading or playing; otherwise it stops
// whatever else is active and starts the slot.
func (m *Manager) Toggle(index int, url string) {
	m.mu.Lock()
	stopOnly := index == m.current && m.state != Stopped
	stoppedIdx := m.stopLocked()
	if stopOnly || url == "" {
		m.mu.Unlock()
		m.notify(stoppedIdx, Stopped)
		if url == "" && !stopOnly {
			log.Warnf("slot %d has no voice to play", index)
		}
		return
	}
	m.seq++
	seq := m.seq
	ctx, cancel := context.WithCancel(m.ctx)
	m.current, m.state, m.cancel = index, Loading, cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(stoppedIdx, Stopped)
	m.notify(index, Loading)
	go m.run(ctx, seq, index, url)
}

// Stop ends any playback and waits for it to release the device.
func (m *Manager) Stop() {
	m.mu.Lock()
	idx := m.stopLocked()
	m.mu.Unlock()
	m.notify(idx, Stopped)
	m.wg.Wait()
}

// stopLocked returns the index that left a non-stopped state, or -1.
func (m *Manager) stopLocked() int {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.seq++
	if m.state == Stopped {
		return -1
	}
	m.state = Stopped
	return m.current
}

func (m *Manager) run(ctx context.Context, seq uint64, index int, url string) {
	defer m.wg.Done()
	clip, err := m.player.Load(ctx, url)
	if err == nil && m.set(seq, Playing) {
		err = m.player.Play(ctx, clip)
	}
	if err != nil && ctx.Err() == nil {
		log.Warnf("playback of slot %d failed: %v", index, err)
	}
	m.set(seq, Stopped)
}

// set moves the active slot to s unless a newer Toggle superseded seq.
func (m *Manager) set(seq uint64, s State) bool {
	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		return false
	}
	m.state = s
	if s == Stopped && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	idx := m.current
	m.mu.Unlock()
	m.notify(idx, s)
	return true
}

func (m *Manager) notify(index int, s State) {
	if index >= 0 {
		m.onChange(index, s)
	}
}
