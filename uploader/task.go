package uploader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lessonvoice/encoder"
	"lessonvoice/log"
	"lessonvoice/remote"
	"lessonvoice/segmenter"
)

const (
	DefaultConcurrency = 4
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 500 * time.Millisecond
	DefaultMaxPending  = 64
	DefaultInboxSize   = 256
)

// Store receives encoded voices. *remote.Client satisfies it.
type Store interface {
	UploadVoice(ctx context.Context, lessonID string, v remote.Voice) (*remote.UploadResult, error)
}

// Recorder persists final outcomes.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

type Config struct {
	// NewStore is called once, when credentials arrive.
	NewStore func(Credentials) Store
	Recorder Recorder
	OnResult func(Result)

	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	MaxPending  int
	InboxSize   int

	newVoiceID func() string
}

type job struct {
	voiceID string
	utt     segmenter.Utterance
}

// Task is the upload actor. Messages are handled in order on one goroutine;
// uploads run on up to Concurrency goroutines beside it.
type Task struct {
	cfg      Config
	ctx      context.Context
	inbox    chan Message
	finished chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	closed bool

	creds   *Credentials
	store   Store
	queue   []job
	group   errgroup.Group
	running int // owned by run
	active  atomic.Int64

	submitted atomic.Int64
	uploaded  atomic.Int64
	failed    atomic.Int64
}

// New starts the actor. Cancelling ctx aborts in-flight retries.
func New(ctx context.Context, cfg Config) *Task {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.newVoiceID == nil {
		cfg.newVoiceID = uuid.NewString
	}
	t := &Task{
		cfg:   cfg,
		ctx:   ctx,
		inbox: make(chan Message, cfg.InboxSize),
		// One token per finished upload; at most Concurrency are ever
		// outstanding, so sends never block.
		finished: make(chan struct{}, cfg.Concurrency),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Send queues msg without blocking. After a terminate message has been
// sent every further Send fails with ErrTerminated.
func (t *Task) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTerminated
	}
	if msg.IsTerminal {
		// The actor never blocks, so this wait is short.
		t.inbox <- msg
		t.closed = true
		close(t.inbox)
		return nil
	}
	select {
	case t.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

func (t *Task) Initialize(c Credentials) error { return t.Send(Initialize(c)) }

// Submit hands over one utterance. It never blocks.
func (t *Task) Submit(u segmenter.Utterance) {
	if err := t.Send(NewVoice(u)); err != nil {
		t.failed.Add(1)
		log.Errorf("utterance %d not queued for upload: %v", u.Ordinal, err)
	}
}

func (t *Task) Terminate() {
	if err := t.Send(Terminate()); err != nil && err != ErrTerminated {
		log.Warnf("upload task terminate: %v", err)
	}
}

// Done is closed after terminate once every queued upload has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Submitted() int { return int(t.submitted.Load()) }
func (t *Task) Uploaded() int  { return int(t.uploaded.Load()) }
func (t *Task) Failed() int    { return int(t.failed.Load()) }
func (t *Task) InFlight() int  { return int(t.active.Load()) }

func (t *Task) run() {
	defer close(t.done)
	inbox := t.inbox
	for {
		t.dispatch()
		if inbox == nil && len(t.queue) == 0 {
			break
		}
		select {
		case msg, ok := <-inbox:
			if !ok {
				inbox = nil
				t.terminate()
				continue
			}
			t.handle(msg)
		case <-t.finished:
			t.running--
		}
	}
	t.group.Wait()
}

func (t *Task) handle(msg Message) {
	switch {
	case msg.Initialize != nil:
		if t.creds != nil {
			log.Warn("upload task already initialized, ignoring")
			return
		}
		c := *msg.Initialize
		t.creds = &c
		t.store = t.cfg.NewStore(c)
		if w, ok := t.store.(interface{ Warm() time.Duration }); ok {
			go w.Warm()
		}
		log.Infof("upload task initialized for lesson %s, %d buffered", c.LessonID, len(t.queue))
	case msg.NewVoice != nil:
		t.submitted.Add(1)
		t.enqueue(*msg.NewVoice)
	}
}

func (t *Task) enqueue(u segmenter.Utterance) {
	if t.creds == nil && len(t.queue) >= t.cfg.MaxPending {
		dropped := t.queue[0]
		t.queue = t.queue[1:]
		t.failed.Add(1)
		log.Warnf("upload buffer full before initialize, dropping utterance %d", dropped.utt.Ordinal)
	}
	t.queue = append(t.queue, job{voiceID: t.cfg.newVoiceID(), utt: u})
}

func (t *Task) terminate() {
	if t.creds == nil && len(t.queue) > 0 {
		log.Warnf("upload task terminated before initialize, dropping %d utterances", len(t.queue))
		t.failed.Add(int64(len(t.queue)))
		t.queue = nil
	}
}

// dispatch starts queued uploads until the concurrency limit is reached.
// The slot count lives on the actor goroutine and is only given back when
// run receives the upload's finished token.
func (t *Task) dispatch() {
	if t.creds == nil {
		return
	}
	for len(t.queue) > 0 && t.running < t.cfg.Concurrency {
		j := t.queue[0]
		t.queue = t.queue[1:]
		t.running++
		t.active.Add(1)
		t.group.Go(func() error {
			defer func() {
				t.active.Add(-1)
				t.finished <- struct{}{}
			}()
			t.upload(j)
			return nil
		})
	}
}

func (t *Task) upload(j job) {
	start := time.Now()
	res := Result{
		LessonID:     t.creds.LessonID,
		VoiceID:      j.voiceID,
		Ordinal:      j.utt.Ordinal,
		StartTimeSec: j.utt.StartTimeSec,
		DurationSec:  j.utt.DurationSec,
	}
	metrics := log.UploadMetrics{
		Ordinal:   j.utt.Ordinal,
		VoiceID:   j.voiceID,
		RawSizeKB: float64(len(j.utt.Samples)*2) / 1024,
	}

	encStart := time.Now()
	data, err := encoder.EncodeFlac(j.utt.Samples)
	metrics.EncodeTimeMs = float64(time.Since(encStart).Microseconds()) / 1000
	if err != nil {
		res.Err = fmt.Errorf("%w: ordinal %d: encode: %w", ErrUploadFailed, j.utt.Ordinal, err)
		t.finish(res, metrics, start)
		return
	}
	res.Bytes = len(data)
	metrics.FlacSizeKB = float64(len(data)) / 1024

	voice := remote.Voice{
		VoiceID:      j.voiceID,
		Ordinal:      j.utt.Ordinal,
		StartTimeSec: j.utt.StartTimeSec,
		DurationSec:  j.utt.DurationSec,
		Format:       "flac",
		Data:         data,
	}
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		var up *remote.UploadResult
		up, err = t.store.UploadVoice(t.ctx, res.LessonID, voice)
		if err == nil {
			res.URL = up.URL
			if up.Metrics != nil {
				metrics.TTFBMs = float64(up.Metrics.TTFB.Microseconds()) / 1000
				metrics.ConnReused = up.Metrics.ConnReused
			}
			break
		}
		if !remote.IsTransient(err) || attempt == t.cfg.MaxAttempts {
			break
		}
		log.Warnf("upload of utterance %d failed (attempt %d/%d): %v", j.utt.Ordinal, attempt, t.cfg.MaxAttempts, err)
		if !t.backoff(attempt) {
			err = fmt.Errorf("%w (gave up waiting to retry)", t.ctx.Err())
			break
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("%w: ordinal %d after %d attempts: %w", ErrUploadFailed, j.utt.Ordinal, res.Attempts, err)
	}
	t.finish(res, metrics, start)
}

// backoff sleeps attempt² × RetryBase. It reports false if ctx ended first.
func (t *Task) backoff(attempt int) bool {
	timer := time.NewTimer(time.Duration(attempt*attempt) * t.cfg.RetryBase)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Task) finish(res Result, metrics log.UploadMetrics, start time.Time) {
	res.Elapsed = time.Since(start)
	metrics.Attempts = res.Attempts
	metrics.TotalTimeMs = float64(res.Elapsed.Microseconds()) / 1000
	metrics.Err = res.Err
	log.Upload(metrics)

	if res.Err != nil {
		t.failed.Add(1)
	} else {
		t.uploaded.Add(1)
	}
	if t.cfg.Recorder != nil {
		if err := t.cfg.Recorder.Record(context.WithoutCancel(t.ctx), res); err != nil {
			log.Warnf("ledger record for %s: %v", res.VoiceID, err)
		}
	}
	if t.cfg.OnResult != nil {
		t.cfg.OnResult(res)
	}
}
