package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/domain/port"
)

// supportedLanguages are the provider's language codes; an unsupported
// hint falls back to auto-detection instead of failing the request.
var supportedLanguages = map[string]struct{}{
	"en": {}, "es": {}, "fr": {}, "de": {}, "it": {}, "pt": {}, "nl": {},
	"hi": {}, "ja": {}, "zh": {}, "fi": {}, "ko": {}, "pl": {}, "ru": {},
	"tr": {}, "uk": {}, "vi": {}, "ar": {}, "da": {}, "el": {}, "id": {},
	"ms": {}, "no": {}, "ro": {}, "sv": {}, "th": {}, "cs": {}, "hu": {},
	"sk": {}, "bg": {},
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
}

type ClientConfig struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		logger:       logger,
	}
}

type transcriptResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Text            string            `json:"text"`
	LanguageCode    string            `json:"language_code"`
	AudioDuration   float64           `json:"audio_duration"`
	Error           string            `json:"error"`
	TranslatedTexts map[string]string `json:"translated_texts"`
}

// Transcribe uploads the audio file, creates a transcript with language
// detection and an inline English translation request, and polls until
// the provider reports a terminal status.
func (c *Client) Transcribe(ctx context.Context, audioPath, languageHint string) (*port.SpeechResult, error) {
	uploadURL, err := c.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"audio_url":          uploadURL,
		"language_detection": true,
		"speech_understanding": map[string]any{
			"request": map[string]any{
				"translation": map[string]any{
					"target_languages": []string{"en"},
				},
			},
		},
	}
	if languageHint != "" {
		if _, ok := supportedLanguages[languageHint]; ok {
			req["language_code"] = languageHint
			delete(req, "language_detection")
		} else {
			c.logger.Warn("unsupported language hint, falling back to detection",
				zap.String("language", languageHint))
		}
	}

	var created transcriptResponse
	if err := c.postJSON(ctx, "/v2/transcript", req, &created); err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	final, err := c.pollTranscript(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	if final.Status == "error" {
		return nil, fmt.Errorf("transcription failed: %s", final.Error)
	}

	return &port.SpeechResult{
		TranscriptID:   final.ID,
		Text:           final.Text,
		TranslatedText: final.TranslatedTexts["en"],
		Language:       final.LanguageCode,
		Duration:       final.AudioDuration,
	}, nil
}

// TranslateToEnglish requests a translation for an existing transcript
// and polls until the English text appears.
func (c *Client) TranslateToEnglish(ctx context.Context, transcriptID string) (string, error) {
	req := map[string]any{
		"transcript_id": transcriptID,
		"speech_understanding": map[string]any{
			"request": map[string]any{
				"translation": map[string]any{
					"target_languages": []string{"en"},
					"formal":           false,
				},
			},
		},
	}
	if err := c.postJSON(ctx, "/v1/understanding", req, &struct{}{}); err != nil {
		return "", fmt.Errorf("request translation: %w", err)
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("translation polling timeout for transcript %s", transcriptID)
		}

		var tr transcriptResponse
		if err := c.getJSON(ctx, "/v2/transcript/"+transcriptID, &tr); err != nil {
			return "", err
		}
		if text := tr.TranslatedTexts["en"]; text != "" {
			return text, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) pollTranscript(ctx context.Context, id string) (*transcriptResponse, error) {
	deadline := time.Now().Add(c.pollTimeout)
	for {
		var tr transcriptResponse
		if err := c.getJSON(ctx, "/v2/transcript/"+id, &tr); err != nil {
			return nil, err
		}
		if tr.Status == "completed" || tr.Status == "error" {
			return &tr, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transcription polling timeout for transcript %s (status %s)", id, tr.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	return out.UploadURL, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
