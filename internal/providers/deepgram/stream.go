package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultAPIBase = "https://api.deepgram.com/v1"

// Config controls the Deepgram listen endpoint.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

type streamConfig struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// segment is one transcript message read off the socket.
type segment struct {
	Text  string
	Final bool
}

// utterance is one listen socket carrying a single finished recording. The
// caller writes audio; one goroutine reads results until the server closes.
type utterance struct {
	conn    *websocket.Conn
	results *transcriptAggregator
	read    chan error
}

func dialUtterance(ctx context.Context, cfg Config, sc streamConfig) (*utterance, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(cfg, sc)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("connect to deepgram: %w", err)
	}

	u := &utterance{conn: conn, results: newTranscriptAggregator(), read: make(chan error, 1)}
	go func() { u.read <- u.readLoop() }()
	return u, nil
}

// upload sends pcm in chunks and then tells the server no more audio is coming.
func (u *utterance) upload(pcm []byte, chunkSize int) error {
	for start := 0; start < len(pcm); start += chunkSize {
		end := min(start+chunkSize, len(pcm))
		if err := u.conn.WriteMessage(websocket.BinaryMessage, pcm[start:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
	if err := u.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

// await waits for the server to close the socket after the last result.
func (u *utterance) await(ctx context.Context, timeout time.Duration) error {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	select {
	case err := <-u.read:
		return err
	case <-ctx.Done():
		_ = u.conn.Close()
		<-u.read
		return ctx.Err()
	}
}

func (u *utterance) close() {
	_ = u.conn.Close()
}

func (u *utterance) readLoop() error {
	for {
		_, payload, err := u.conn.ReadMessage()
		if err != nil {
			return readError(err)
		}

		var msg listenMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if strings.EqualFold(msg.Type, "Error") {
			detail := strings.TrimSpace(msg.Message)
			if detail == "" {
				detail = "deepgram returned an unknown error"
			}
			return errors.New(detail)
		}
		if text := msg.transcript(); text != "" {
			u.results.Add(segment{Text: text, Final: msg.IsFinal || msg.SpeechFinal})
		}
	}
}

// readError maps the error that ended the read loop. A close frame from the
// server is the normal end of an utterance.
func readError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.New("timed out waiting for deepgram to finish")
	}
	return fmt.Errorf("read deepgram message: %w", err)
}

type alternative struct {
	Transcript string `json:"transcript"`
}

type listenMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (m listenMessage) transcript() string {
	if len(m.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(m.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(m.Results.Channels) > 0 && len(m.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(m.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(cfg Config, sc streamConfig) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = defaultAPIBase
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram base url: %w", err)
	}

	if sc.Encoding == "" {
		sc.Encoding = "linear16"
	}
	if sc.SampleRate <= 0 {
		sc.SampleRate = 16000
	}
	if sc.Channels <= 0 {
		sc.Channels = 1
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", sc.Encoding)
	query.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	query.Set("channels", strconv.Itoa(sc.Channels))
	query.Set("interim_results", "false")
	query.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
