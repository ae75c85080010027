package player

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"lessonvoice/audio"
	"lessonvoice/encoder"
	"lessonvoice/remote"
)

// StreamPlayer downloads FLAC voices and plays them on the default output.
type StreamPlayer struct {
	audio  audio.Context
	client *remote.TracedClient
}

func NewStreamPlayer(ctx audio.Context) *StreamPlayer {
	return &StreamPlayer{audio: ctx, client: remote.NewTracedClient(2, remote.DefaultTimeout)}
}

func (p *StreamPlayer) Load(ctx context.Context, url string) (Clip, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Clip{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Clip{}, fmt.Errorf("download voice: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Clip{}, fmt.Errorf("download voice: status %d", resp.StatusCode)
	}
	samples, rate, err := encoder.DecodeFlac(bytes.NewReader(resp.Body))
	if err != nil {
		return Clip{}, err
	}
	return Clip{Samples: samples, SampleRate: rate}, nil
}

func (p *StreamPlayer) Play(ctx context.Context, clip Clip) error {
	dev, err := p.audio.NewPlayback(audio.PlaybackConfig{SampleRate: clip.SampleRate})
	if err != nil {
		return fmt.Errorf("open playback: %w", err)
	}
	defer dev.Close()
	return dev.Play(ctx, clip.Samples)
}
