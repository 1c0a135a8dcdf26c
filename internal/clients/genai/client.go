package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/classreel/classreel-backend/internal/pipeline"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// Client talks to the generation backend over HTTP and implements every
// pipeline capability. It performs no retries of its own; the orchestrator
// owns retry and circuit-breaking policy, so each method maps one call to
// one HTTP request and classifies the failure.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var (
	_ pipeline.QueryValidator   = (*Client)(nil)
	_ pipeline.ContextRetriever = (*Client)(nil)
	_ pipeline.ScriptGenerator  = (*Client)(nil)
	_ pipeline.AudioGenerator   = (*Client)(nil)
	_ pipeline.VideoGenerator   = (*Client)(nil)
	_ pipeline.OutputStore      = (*Client)(nil)
)

func NewClient(baseLog *logger.Logger) (*Client, error) {
	baseURL := os.Getenv("GENAI_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("missing GENAI_BASE_URL")
	}
	apiKey := os.Getenv("GENAI_API_KEY")

	timeoutSec := 300
	if v := os.Getenv("GENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &Client{
		log:        baseLog.With("client", "GenAI"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("genai http %d: %s", e.StatusCode, e.Body)
}

func transientHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

// classify maps a transport or HTTP failure onto the pipeline's error
// taxonomy so the orchestrator can decide retryability. Connection-level
// failures are treated as transient; non-retryable HTTP statuses are
// permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *httpError
	if errors.As(err, &he) {
		if transientHTTP(he.StatusCode) {
			return pipeline.Transient(he)
		}
		return pipeline.Permanent(he)
	}
	return pipeline.Transient(err)
}

func (c *Client) do(ctx context.Context, path string, reqBody, respBody any) error {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return pipeline.Permanent(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return pipeline.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(&httpError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}
	if respBody != nil {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return pipeline.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	return nil
}

type validateRequest struct {
	Query      string `json:"query"`
	GradeLevel string `json:"grade_level,omitempty"`
}

type validateResponse struct {
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason,omitempty"`
	Ambiguous  bool     `json:"ambiguous"`
	Questions  []string `json:"clarifying_questions,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	TopicID    string   `json:"topic_id,omitempty"`
	TopicName  string   `json:"topic_name,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

func (c *Client) ValidateQuery(ctx context.Context, query, gradeLevel string) (*pipeline.TopicResolution, error) {
	var out validateResponse
	if err := c.do(ctx, "/v1/validate", validateRequest{Query: query, GradeLevel: gradeLevel}, &out); err != nil {
		return nil, err
	}
	if out.Ambiguous {
		return nil, &pipeline.ClarificationError{Questions: out.Questions, Reasoning: out.Reasoning}
	}
	if !out.Valid {
		return nil, &pipeline.ValidationError{Reason: out.Reason}
	}
	return &pipeline.TopicResolution{
		TopicID:    out.TopicID,
		TopicName:  out.TopicName,
		Confidence: out.Confidence,
	}, nil
}

type retrieveRequest struct {
	TopicID    string `json:"topic_id"`
	Interest   string `json:"interest,omitempty"`
	GradeLevel string `json:"grade_level,omitempty"`
}

type retrieveResponse struct {
	Chunks []pipeline.ContextChunk `json:"chunks"`
}

func (c *Client) RetrieveContext(ctx context.Context, topicID, interest, gradeLevel string) ([]pipeline.ContextChunk, error) {
	var out retrieveResponse
	if err := c.do(ctx, "/v1/retrieve", retrieveRequest{TopicID: topicID, Interest: interest, GradeLevel: gradeLevel}, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

type scriptRequest struct {
	Topic      string                  `json:"topic"`
	Chunks     []pipeline.ContextChunk `json:"chunks,omitempty"`
	Interest   string                  `json:"interest,omitempty"`
	GradeLevel string                  `json:"grade_level,omitempty"`
}

type scriptResponse struct {
	Script string `json:"script"`
}

func (c *Client) GenerateScript(ctx context.Context, topic string, chunks []pipeline.ContextChunk, interest, gradeLevel string) (string, error) {
	var out scriptResponse
	if err := c.do(ctx, "/v1/script", scriptRequest{Topic: topic, Chunks: chunks, Interest: interest, GradeLevel: gradeLevel}, &out); err != nil {
		return "", err
	}
	if out.Script == "" {
		return "", pipeline.Transient(fmt.Errorf("empty script from generation backend"))
	}
	return out.Script, nil
}

type audioRequest struct {
	Script string `json:"script"`
}

type audioResponse struct {
	AudioURI string `json:"audio_uri"`
}

func (c *Client) GenerateAudio(ctx context.Context, scriptText string) (string, error) {
	var out audioResponse
	if err := c.do(ctx, "/v1/audio", audioRequest{Script: scriptText}, &out); err != nil {
		return "", err
	}
	if out.AudioURI == "" {
		return "", pipeline.Transient(fmt.Errorf("empty audio uri from generation backend"))
	}
	return out.AudioURI, nil
}

type videoRequest struct {
	Script   string `json:"script"`
	AudioURI string `json:"audio_uri"`
}

type videoResponse struct {
	VideoURI string `json:"video_uri"`
}

func (c *Client) GenerateVideo(ctx context.Context, scriptText, audioURI string) (string, error) {
	var out videoResponse
	if err := c.do(ctx, "/v1/video", videoRequest{Script: scriptText, AudioURI: audioURI}, &out); err != nil {
		return "", err
	}
	if out.VideoURI == "" {
		return "", pipeline.Transient(fmt.Errorf("empty video uri from generation backend"))
	}
	return out.VideoURI, nil
}

type persistRequest struct {
	RequestID string                   `json:"request_id"`
	Artifacts pipeline.OutputArtifacts `json:"artifacts"`
}

type persistResponse struct {
	Outputs map[string]string `json:"outputs"`
}

func (c *Client) PersistOutput(ctx context.Context, requestID uuid.UUID, artifacts pipeline.OutputArtifacts) (map[string]string, error) {
	var out persistResponse
	if err := c.do(ctx, "/v1/outputs", persistRequest{RequestID: requestID.String(), Artifacts: artifacts}, &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}
