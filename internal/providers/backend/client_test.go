package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"vivavoce/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(Config{BaseURL: srv.URL + "/", MinAudioBytes: 16}, srv.Client())
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/start-ai-session" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["student_id"] != 7 || body["assignment_id"] != 3 {
			t.Errorf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, `{"session_id":"session_7_3_1700000000","assignment_title":"Week 2"}`)
	})

	handle, err := client.StartSession(context.Background(), 7, 3)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if handle != "session_7_3_1700000000" {
		t.Fatalf("unexpected handle: %q", handle)
	}
}

func TestStartSessionRejected(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Assignment not found"}`)
	})

	_, err := client.StartSession(context.Background(), 1, 2)
	if !errors.Is(err, domain.ErrSessionStartFailed) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Assignment not found") {
		t.Fatalf("expected detail in error, got %v", err)
	}
}

func TestExchange(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if r.URL.Path != "/ai-chat" || body.SessionID != "s1" || body.Message != "hello" {
			t.Errorf("unexpected request: %s %+v", r.URL.Path, body)
		}
		_, _ = io.WriteString(w, `{"response":" Tell me more. ","auto_end":true,"phase":"closing","question_count":4}`)
	})

	reply, err := client.Exchange(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	want := domain.Reply{Text: "Tell me more.", AutoEnd: true, Phase: "closing", QuestionCount: 4}
	if reply != want {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestExchangeFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream timeout", http.StatusBadGateway)
		},
		"empty": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"response":"  "}`)
		},
		"malformed": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `not json`)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, handler)
			if _, err := client.Exchange(context.Background(), "s1", "hi"); !errors.Is(err, domain.ErrExchangeFailed) {
				t.Fatalf("expected exchange failure, got %v", err)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/evaluate-ai-session" || r.URL.Query().Get("session_id") != "session_1_2_3" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		_, _ = io.WriteString(w, `{"session_id":12,"score":91,"category":"green","feedback":"Strong answers.","question_count":5}`)
	})

	got, err := client.Evaluate(context.Background(), "session_1_2_3")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	want := domain.Evaluation{Score: 91, Category: "green", Feedback: "Strong answers.", QuestionCount: 5}
	if got != want {
		t.Fatalf("unexpected evaluation: %+v", got)
	}
}

func TestEvaluateIncomplete(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"feedback":"missing score"}`)
	})
	if _, err := client.Evaluate(context.Background(), "s"); !errors.Is(err, domain.ErrEvaluationFailed) {
		t.Fatalf("expected evaluation failure, got %v", err)
	}
}

func TestTranscribeSendsMultipart(t *testing.T) {
	t.Parallel()

	audio := domain.EncodeWAV([]byte{1, 2, 3, 4}, 16000, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speech-to-text" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		file, header, err := r.FormFile("audio_file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "recording.wav" || !bytes.Equal(data, audio) {
			t.Errorf("unexpected upload %q (%d bytes)", header.Filename, len(data))
		}
		_, _ = io.WriteString(w, `{"transcript":" It converts light to sugar. "}`)
	})

	text, err := client.Transcribe(context.Background(), domain.AudioBlob{Format: "wav", Data: audio})
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}
	if text != "It converts light to sugar." {
		t.Fatalf("unexpected transcript: %q", text)
	}
}

func TestTranscribeFailures(t *testing.T) {
	t.Parallel()

	empty := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"transcript":""}`)
	})
	if _, err := empty.Transcribe(context.Background(), domain.AudioBlob{Data: []byte("x")}); !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected failure for empty transcript, got %v", err)
	}

	failing := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := failing.Transcribe(context.Background(), domain.AudioBlob{Data: []byte("x")}); !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected failure for server error, got %v", err)
	}

	if _, err := failing.Transcribe(context.Background(), domain.AudioBlob{}); !errors.Is(err, domain.ErrTranscriptionFailed) {
		t.Fatalf("expected failure for empty recording, got %v", err)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	audio := bytes.Repeat([]byte{0xff}, 64)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body speechRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text != "Hello there" {
			t.Errorf("unexpected body %+v (%v)", body, err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	})

	clip, err := client.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}
	if clip.Format != "mp3" || !bytes.Equal(clip.Data, audio) {
		t.Fatalf("unexpected clip: %s %d bytes", clip.Format, len(clip.Data))
	}
}

func TestSynthesizeRejectsTinyPayload(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("tiny"))
	})

	_, err := client.Synthesize(context.Background(), "Hello")
	if !errors.Is(err, domain.ErrSynthesisFailed) || !strings.Contains(err.Error(), "too small") {
		t.Fatalf("expected too small failure, got %v", err)
	}
}

func TestRequestsCarryTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	got := make(chan string, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("traceparent")
		_, _ = io.WriteString(w, `{"session_id":"s"}`)
	})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	if _, err := client.StartSession(ctx, 1, 1); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if header := <-got; !strings.Contains(header, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Fatalf("expected traceparent with trace id, got %q", header)
	}
}

func TestFormatFromContentType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"audio/mpeg":               "mp3",
		"audio/wav":                "wav",
		"audio/ogg; codecs=opus":   "ogg",
		"":                         "mp3",
		"application/octet-stream": "mp3",
	}
	for contentType, want := range cases {
		if got := formatFromContentType(contentType); got != want {
			t.Fatalf("formatFromContentType(%q) = %q, want %q", contentType, got, want)
		}
	}
}
