package deals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/config"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/retry"
)

// Deal is one extracted sales deal. Absent facts stay null or empty; the
// model is instructed never to invent values.
type Deal struct {
	Name             string   `json:"name"`
	Stage            *string  `json:"stage"`
	Probability      *float64 `json:"probability"`
	ForecastCategory *string  `json:"forecastCategory"`
	CloseDate        *string  `json:"closeDate"`
	NextStep         *string  `json:"nextStep"`
	NextStepOwner    *string  `json:"nextStepOwner"`
	NextStepDate     *string  `json:"nextStepDate"`
	DecisionProcess  *string  `json:"decisionProcess"`
	Competitors      []string `json:"competitors"`
	Budget           *string  `json:"budget"`
	Timeline         *string  `json:"timeline"`
	Risks            []string `json:"risks"`
	Strengths        []string `json:"strengths"`
}

// ExtractionResult is the outcome of one extraction call. Note is set when
// the model response could not be used and the deal list degraded to empty.
type ExtractionResult struct {
	Deals []Deal `json:"deals"`
	Note  string `json:"note,omitempty"`
}

const extractionPrompt = `You are a sales operations assistant. From the conversation below, extract all distinct sales deals and return JSON with this schema:
{
  "deals": [{
    "name": string,
    "stage": string|null,
    "probability": number|null,
    "forecastCategory": string|null,
    "closeDate": string|null,
    "nextStep": string|null,
    "nextStepOwner": string|null,
    "nextStepDate": string|null,
    "decisionProcess": string|null,
    "competitors": string[],
    "budget": string|null,
    "timeline": string|null,
    "risks": string[],
    "strengths": string[]
  }]
}

Rules:
- ALWAYS respond with valid JSON only.
- If data is missing, set null or empty array. Do not invent values.
- Preserve proper nouns as they appear in the conversation.`

// ExtractionClient calls a chat-completions style endpoint to pull deal
// records out of a transcript.
type ExtractionClient struct {
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewExtractionClient creates an extraction client, or nil when no endpoint
// is configured.
func NewExtractionClient(cfg config.ExtractionConfig, logger *slog.Logger, m *metrics.Metrics) *ExtractionClient {
	if cfg.Endpoint == "" {
		return nil
	}
	return &ExtractionClient{
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

// ExtractDeals runs deal extraction over a transcript. A model response
// that is not valid JSON is not an error: the result degrades to an empty
// deal list with a note, matching how callers want to surface a soft
// failure to the user.
func (c *ExtractionClient) ExtractDeals(ctx context.Context, text string) (*ExtractionResult, error) {
	requestID := uuid.NewString()

	var content string
	err := retry.Do(ctx, retry.Config{
		Label:     "deal extraction",
		Attempts:  c.maxRetries,
		Delay:     time.Second,
		Timeout:   c.timeout,
		Retryable: transientHTTPError,
		Logger:    c.logger,
	}, func(ctx context.Context) error {
		out, attemptErr := c.completeOnce(ctx, requestID, text)
		if attemptErr != nil {
			return attemptErr
		}
		content = out
		return nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordExtraction(false)
		}
		if retry.DeadlineExceeded(err) {
			return nil, apperr.Wrap(apperr.Timeout, err, "deal extraction timed out after %s", c.timeout)
		}
		return nil, apperr.Wrap(apperr.ExternalToolFailure, err, "deal extraction failed")
	}

	var result ExtractionResult
	if jsonErr := json.Unmarshal([]byte(content), &result); jsonErr != nil {
		c.logger.Warn("Extraction model returned invalid JSON",
			slog.String("request_id", requestID),
			slog.String("error", jsonErr.Error()),
		)
		if c.metrics != nil {
			c.metrics.RecordExtraction(true)
		}
		return &ExtractionResult{
			Deals: []Deal{},
			Note:  "Model did not return valid JSON. Please retry.",
		}, nil
	}
	if result.Deals == nil {
		result.Deals = []Deal{}
	}

	if c.metrics != nil {
		c.metrics.RecordExtraction(false)
	}
	c.logger.Info("Deal extraction completed",
		slog.String("request_id", requestID),
		slog.Int("deals", len(result.Deals)),
	)
	return &result, nil
}

func (c *ExtractionClient) completeOnce(ctx context.Context, requestID, text string) (string, error) {
	payload := map[string]any{
		"model":       c.model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "system", "content": extractionPrompt},
			{"role": "user", "content": text},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extraction request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newStatusError(resp)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("decode extraction response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "{}", nil
	}
	return completion.Choices[0].Message.Content, nil
}

// statusError is a non-200 response from a collaborator endpoint.
type statusError struct {
	code int
	body string
}

func newStatusError(resp *http.Response) *statusError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("endpoint returned status %d", e.code)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.code, e.body)
}

// transientHTTPError reports whether a failed attempt is worth retrying:
// transport errors and 5xx are, client-side 4xx are not.
func transientHTTPError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
