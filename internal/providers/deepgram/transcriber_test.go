package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vivavoce/internal/domain"
)

type listenServer struct {
	received chan int
	query    chan string
	replies  []string
}

func newListenServer(t *testing.T, replies ...string) (*httptest.Server, *listenServer) {
	t.Helper()

	ls := &listenServer{received: make(chan int, 1), query: make(chan string, 1), replies: replies}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ls.query <- r.URL.RawQuery

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		total := 0
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				total += len(data)
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		ls.received <- total

		for _, reply := range ls.replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(srv.Close)
	return srv, ls
}

func TestTranscriberJoinsFinalSegments(t *testing.T) {
	t.Parallel()

	srv, ls := newListenServer(t,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Photosynthesis makes sugar."}]}}`,
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"It needs light."}]}}`,
	)
	transcriber := NewTranscriber(Config{APIKey: "test-key", APIBaseURL: srv.URL})
	transcriber.chunkSize = 1024

	pcm := make([]byte, 5000)
	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(pcm, 8000, 1), SampleRate: 8000, Channels: 1}

	text, err := transcriber.Transcribe(context.Background(), blob)
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}
	if text != "Photosynthesis makes sugar. It needs light." {
		t.Fatalf("unexpected transcript: %q", text)
	}
	if got := <-ls.received; got != len(pcm) {
		t.Fatalf("expected %d pcm bytes without header, got %d", len(pcm), got)
	}
	if query := <-ls.query; !strings.Contains(query, "sample_rate=8000") {
		t.Fatalf("expected blob sample rate in query: %s", query)
	}
}

func TestTranscriberProviderError(t *testing.T) {
	t.Parallel()

	srv, _ := newListenServer(t, `{"type":"Error","message":"bad audio"}`)
	transcriber := NewTranscriber(Config{APIKey: "test-key", APIBaseURL: srv.URL})

	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(make([]byte, 64), 16000, 1)}
	_, err := transcriber.Transcribe(context.Background(), blob)
	if !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected transcription failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad audio") {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestTranscriberNoSpeech(t *testing.T) {
	t.Parallel()

	srv, _ := newListenServer(t, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`)
	transcriber := NewTranscriber(Config{APIKey: "test-key", APIBaseURL: srv.URL})

	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(make([]byte, 64), 16000, 1)}
	_, err := transcriber.Transcribe(context.Background(), blob)
	if !errors.Is(err, domain.ErrTranscriptionFailed) || !strings.Contains(err.Error(), "no speech") {
		t.Fatalf("expected no speech failure, got %v", err)
	}
}

func TestTranscriberTimesOutWaitingForClose(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	transcriber := NewTranscriber(Config{APIKey: "test-key", APIBaseURL: srv.URL})
	transcriber.waitTimeout = 50 * time.Millisecond

	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(make([]byte, 64), 16000, 1)}
	_, err := transcriber.Transcribe(context.Background(), blob)
	if !errors.Is(err, domain.ErrTranscriptionFailed) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestTranscriberRejectedDial(t *testing.T) {
	t.Parallel()

	srv, _ := newListenServer(t)
	transcriber := NewTranscriber(Config{APIKey: "wrong", APIBaseURL: srv.URL})

	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(make([]byte, 64), 16000, 1)}
	if _, err := transcriber.Transcribe(context.Background(), blob); !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected transcription failure, got %v", err)
	}
}

func TestTranscriberRequiresAPIKey(t *testing.T) {
	t.Parallel()

	transcriber := NewTranscriber(Config{})
	if transcriber.cfg.Model != "nova-2" || transcriber.cfg.APIBaseURL != defaultAPIBase {
		t.Fatalf("unexpected defaults: %+v", transcriber.cfg)
	}

	blob := domain.AudioBlob{Format: "wav", Data: domain.EncodeWAV(make([]byte, 64), 16000, 1)}
	_, err := transcriber.Transcribe(context.Background(), blob)
	if !errors.Is(err, domain.ErrTranscriptionFailed) || !strings.Contains(err.Error(), "DEEPGRAM_API_KEY") {
		t.Fatalf("expected missing key failure, got %v", err)
	}
}

func TestTranscriberEmptyRecording(t *testing.T) {
	t.Parallel()

	transcriber := NewTranscriber(Config{APIKey: "k"})
	if _, err := transcriber.Transcribe(context.Background(), domain.AudioBlob{}); !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected transcription failure, got %v", err)
	}
}

func TestTranscriptAggregator(t *testing.T) {
	t.Parallel()

	a := newTranscriptAggregator()
	a.Add(segment{Text: "hello", Final: true})
	a.Add(segment{Text: "  "})
	a.Add(segment{Text: "world", Final: true})
	if got := a.Text(); got != "hello world" {
		t.Fatalf("unexpected text: %q", got)
	}

	interimOnly := newTranscriptAggregator()
	interimOnly.Add(segment{Text: "trailing words"})
	if got := interimOnly.Text(); got != "trailing words" {
		t.Fatalf("expected interim fallback, got %q", got)
	}

	longer := newTranscriptAggregator()
	longer.Add(segment{Text: "hi", Final: true})
	longer.Add(segment{Text: "and a much longer tail"})
	if got := longer.Text(); got != "hi and a much longer tail" {
		t.Fatalf("expected longer interim to be appended, got %q", got)
	}
}
