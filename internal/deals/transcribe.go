package deals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/config"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/retry"
)

// Transcript is a normalized transcription response.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// TranscriptionClient calls an OpenAI-style audio/transcriptions endpoint.
type TranscriptionClient struct {
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTranscriptionClient creates a transcription client, or nil when no
// endpoint is configured.
func NewTranscriptionClient(cfg config.TranscriptionConfig, logger *slog.Logger, m *metrics.Metrics) *TranscriptionClient {
	if cfg.Endpoint == "" {
		return nil
	}
	return &TranscriptionClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.GetTimeoutDuration(),
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    m,
	}
}

// Transcribe uploads the audio and returns the transcript. languageHint may
// be empty; when set it is forwarded to the endpoint. The audio is buffered
// in memory so failed attempts can be replayed. Client-side errors from the
// endpoint are terminal; transport errors and server-side failures are
// retried.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio io.Reader, filename, languageHint string) (*Transcript, error) {
	audioBytes, err := io.ReadAll(audio)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err, "failed to read audio for transcription")
	}

	requestID := uuid.NewString()
	c.logger.Info("Transcription started",
		slog.String("request_id", requestID),
		slog.String("file", filename),
		slog.Int("bytes", len(audioBytes)),
	)

	var transcript *Transcript
	err = retry.Do(ctx, retry.Config{
		Label:     "transcription",
		Attempts:  c.maxRetries,
		Delay:     time.Second,
		Timeout:   c.timeout,
		Retryable: transientHTTPError,
		Logger:    c.logger,
	}, func(ctx context.Context) error {
		t, attemptErr := c.transcribeOnce(ctx, requestID, audioBytes, filename, languageHint)
		if attemptErr != nil {
			return attemptErr
		}
		transcript = t
		return nil
	})
	if c.metrics != nil {
		c.metrics.RecordTranscription(err != nil)
	}
	if err != nil {
		if retry.DeadlineExceeded(err) {
			return nil, apperr.Wrap(apperr.Timeout, err, "transcription timed out after %s", c.timeout)
		}
		return nil, apperr.Wrap(apperr.TranscriptionFailed, err, "transcription failed")
	}

	c.logger.Info("Transcription completed",
		slog.String("request_id", requestID),
		slog.Int("transcript_chars", len(transcript.Text)),
		slog.String("language", transcript.Language),
	)
	return transcript, nil
}

func (c *TranscriptionClient) transcribeOnce(ctx context.Context, requestID string, audioBytes []byte, filename, languageHint string) (*Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("write response_format field: %w", err)
	}
	if languageHint != "" {
		if err := mw.WriteField("language", languageHint); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(audioBytes); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}

	var payload struct {
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
		Language   string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	// Endpoints disagree on the field name for the transcript body.
	text := payload.Text
	if text == "" {
		text = payload.Transcript
	}
	return &Transcript{Text: text, Language: payload.Language}, nil
}
