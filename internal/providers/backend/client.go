// Package backend talks to the assessment HTTP service that hosts the tutor
// dialogue, evaluation, and its own speech endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"vivavoce/internal/domain"
)

const (
	defaultBaseURL       = "http://localhost:8000"
	defaultTimeout       = 60 * time.Second
	defaultMinAudioBytes = 1000
	maxErrorBody         = 4096
)

// Config controls the backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MinAudioBytes rejects synthesized payloads too small to be real speech.
	MinAudioBytes int
}

// Client implements the transcriber, synthesizer, dialogue and evaluator ports
// against the assessment backend.
type Client struct {
	baseURL       string
	http          *http.Client
	minAudioBytes int
	tracer        trace.Tracer
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout})
}

func NewClientWithHTTP(cfg Config, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = defaultMinAudioBytes
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:       base,
		http:          httpClient,
		minAudioBytes: cfg.MinAudioBytes,
		tracer:        otel.Tracer("vivavoce/backend"),
	}
}

type startSessionRequest struct {
	StudentID    int `json:"student_id"`
	AssignmentID int `json:"assignment_id"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (c *Client) StartSession(ctx context.Context, studentID, assignmentID int) (domain.SessionHandle, error) {
	var out startSessionResponse
	err := c.postJSON(ctx, "backend.start_session", "/start-ai-session",
		startSessionRequest{StudentID: studentID, AssignmentID: assignmentID}, &out,
		attribute.Int("student.id", studentID), attribute.Int("assignment.id", assignmentID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSessionStartFailed, err)
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("%w: response carried no session id", domain.ErrSessionStartFailed)
	}
	return domain.SessionHandle(out.SessionID), nil
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Response      string `json:"response"`
	AutoEnd       bool   `json:"auto_end"`
	Phase         string `json:"phase"`
	QuestionCount int    `json:"question_count"`
}

func (c *Client) Exchange(ctx context.Context, handle domain.SessionHandle, message string) (domain.Reply, error) {
	var out chatResponse
	err := c.postJSON(ctx, "backend.exchange", "/ai-chat",
		chatRequest{SessionID: string(handle), Message: message}, &out,
		attribute.String("session.handle", string(handle)))
	if err != nil {
		return domain.Reply{}, fmt.Errorf("%w: %v", domain.ErrExchangeFailed, err)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return domain.Reply{}, fmt.Errorf("%w: empty reply", domain.ErrExchangeFailed)
	}
	return domain.Reply{
		Text:          text,
		AutoEnd:       out.AutoEnd,
		Phase:         out.Phase,
		QuestionCount: out.QuestionCount,
	}, nil
}

type evaluationResponse struct {
	Score         *int   `json:"score"`
	Category      string `json:"category"`
	Feedback      string `json:"feedback"`
	QuestionCount int    `json:"question_count"`
}

func (c *Client) Evaluate(ctx context.Context, handle domain.SessionHandle) (domain.Evaluation, error) {
	path := "/evaluate-ai-session?session_id=" + url.QueryEscape(string(handle))
	var out evaluationResponse
	err := c.postJSON(ctx, "backend.evaluate", path, nil, &out,
		attribute.String("session.handle", string(handle)))
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("%w: %v", domain.ErrEvaluationFailed, err)
	}
	if out.Score == nil || out.Category == "" {
		return domain.Evaluation{}, fmt.Errorf("%w: incomplete evaluation", domain.ErrEvaluationFailed)
	}
	return domain.Evaluation{
		Score:         *out.Score,
		Category:      out.Category,
		Feedback:      out.Feedback,
		QuestionCount: out.QuestionCount,
	}, nil
}

type transcriptResponse struct {
	Transcript string `json:"transcript"`
}

func (c *Client) Transcribe(ctx context.Context, blob domain.AudioBlob) (string, error) {
	ctx, span := c.tracer.Start(ctx, "backend.transcribe", trace.WithAttributes(attribute.Int("audio.bytes", len(blob.Data))))
	defer span.End()

	text, err := c.transcribe(ctx, blob)
	if err != nil {
		endWithError(span, err)
		return "", fmt.Errorf("%w: %v", domain.ErrTranscriptionFailed, err)
	}
	return text, nil
}

func (c *Client) transcribe(ctx context.Context, blob domain.AudioBlob) (string, error) {
	if len(blob.Data) == 0 {
		return "", errors.New("empty recording")
	}
	format := blob.Format
	if format == "" {
		format = "wav"
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("audio_file", "recording."+format)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/speech-to-text", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out transcriptResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Transcript)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

type speechRequest struct {
	Text string `json:"text"`
}

func (c *Client) Synthesize(ctx context.Context, text string) (domain.AudioClip, error) {
	ctx, span := c.tracer.Start(ctx, "backend.synthesize", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	clip, err := c.synthesize(ctx, text)
	if err != nil {
		endWithError(span, err)
		return domain.AudioClip{}, fmt.Errorf("%w: %v", domain.ErrSynthesisFailed, err)
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(clip.Data)))
	return clip, nil
}

func (c *Client) synthesize(ctx context.Context, text string) (domain.AudioClip, error) {
	if strings.TrimSpace(text) == "" {
		return domain.AudioClip{}, errors.New("empty text")
	}
	payload, err := json.Marshal(speechRequest{Text: text})
	if err != nil {
		return domain.AudioClip{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/text-to-speech", bytes.NewReader(payload))
	if err != nil {
		return domain.AudioClip{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AudioClip{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return domain.AudioClip{}, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AudioClip{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) < c.minAudioBytes {
		return domain.AudioClip{}, fmt.Errorf("audio payload too small (%d bytes)", len(data))
	}
	return domain.AudioClip{Format: formatFromContentType(resp.Header.Get("Content-Type")), Data: data}, nil
}

func (c *Client) postJSON(ctx context.Context, spanName, path string, in, out any, attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer span.End()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			endWithError(span, err)
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		endWithError(span, err)
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.doJSON(req, out); err != nil {
		endWithError(span, err)
		return err
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Detail string `json:"detail"`
}

// checkStatus turns a non-2xx response into an error carrying the service's
// detail message when it sent one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var parsed errorBody
	if json.Unmarshal(raw, &parsed) == nil && parsed.Detail != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, parsed.Detail)
	}
	if detail := strings.TrimSpace(string(raw)); detail != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func formatFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "mp3"
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	default:
		return "mp3"
	}
}

func endWithError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
