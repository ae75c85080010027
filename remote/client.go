package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// Client talks to the lesson API. It is safe for concurrent use.
type Client struct {
	http    *TracedClient
	baseURL string
	token   string
}

func New(apiURL, token string, poolSize int) *Client {
	return &Client{
		http:    NewTracedClient(poolSize, DefaultTimeout),
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Warm() time.Duration { return c.http.Warm(c.baseURL) }

// Voice is one utterance ready for upload.
type Voice struct {
	VoiceID      string
	Ordinal      int
	StartTimeSec float64
	DurationSec  float64
	Format       string
	Data         []byte
}

type UploadResult struct {
	URL     string `json:"url"`
	Metrics *NetworkMetrics
}

// UploadVoice posts one encoded utterance as multipart form data.
func (c *Client) UploadVoice(ctx context.Context, lessonID string, v Voice) (*UploadResult, error) {
	format := v.Format
	if format == "" {
		format = "flac"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", v.VoiceID+"."+format)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(v.Data); err != nil {
		return nil, err
	}

	writer.WriteField("voiceID", v.VoiceID)
	writer.WriteField("ordinal", strconv.Itoa(v.Ordinal))
	writer.WriteField("startTimeSec", strconv.FormatFloat(v.StartTimeSec, 'f', 3, 64))
	writer.WriteField("durationSec", strconv.FormatFloat(v.DurationSec, 'f', 3, 64))
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.lessonURL(lessonID, "voices"), &body)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, "upload voice", err)
	}
	if err := classifyStatus("upload voice", resp.StatusCode, resp.Body); err != nil {
		return nil, err
	}

	result := &UploadResult{Metrics: resp.Metrics}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return nil, fmt.Errorf("upload voice response parse error: %w", err)
		}
	}
	return result, nil
}

// VoiceText is the transcription state of one uploaded voice.
type VoiceText struct {
	ID          string `json:"id"`
	IsConverted bool   `json:"isConverted"`
	IsTexted    bool   `json:"isTexted"`
	Text        string `json:"text"`
	URL         string `json:"url"`
}

// FetchVoiceTexts returns every voice of the lesson in utterance order.
func (c *Client) FetchVoiceTexts(ctx context.Context, lessonID string) ([]VoiceText, error) {
	var texts []VoiceText
	if err := c.getJSON(ctx, "fetch voice texts", c.lessonURL(lessonID, "voice_texts"), &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

// Material is the editable timeline of a recorded lesson.
type Material struct {
	DurationSec float64         `json:"durationSec"`
	Timelines   []MaterialEntry `json:"timelines"`
}

type MaterialEntry struct {
	TimeSec float64 `json:"timeSec"`
	Text    string  `json:"text"`
	Voice   struct {
		ID string `json:"id"`
	} `json:"voice"`
}

func (c *Client) FetchMaterial(ctx context.Context, lessonID string) (*Material, error) {
	var m Material
	if err := c.getJSON(ctx, "fetch material", c.lessonURL(lessonID, "materials"), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Probe checks that the API answers at all. Any HTTP status counts.
func (c *Client) Probe(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyTransport(ctx, "probe", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	if err := classifyStatus(op, resp.StatusCode, resp.Body); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s response parse error: %w", op, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) lessonURL(lessonID, resource string) string {
	return c.baseURL + "/lessons/" + url.PathEscape(lessonID) + "/" + resource
}
