package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/internal/jobs"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/server"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/validate"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/mock"
)

var validationCfg = config.ValidationConfig{
	AllowedTypes:  []string{"wav", "mp3"},
	MinBytes:      100,
	MaxBytes:      1 << 20,
	MinDuration:   time.Second,
	MaxDuration:   30 * time.Second,
	MinSampleRate: 8000,
}

func wav(sec int) []byte {
	return wavMs(sec * 1000)
}

func wavMs(ms int) []byte {
	return audio.EncodeWAV(make([]byte, ms*16*2), 16000, 1)
}

type fixture struct {
	srv    *server.Server
	agg    *metrics.Aggregator
	jobs   *jobs.Manager
	router *transcribe.Router
	a, b   *mock.Transcriber
}

func newFixture(t *testing.T, cfg config.ServerConfig, opts ...server.Option) *fixture {
	t.Helper()
	f := &fixture{
		agg: metrics.New(),
		a:   &mock.Transcriber{Script: []mock.Outcome{{Text: "hello from a"}}},
		b:   &mock.Transcriber{Script: []mock.Outcome{{Text: "hello from b"}}},
	}
	f.router = transcribe.NewRouter(
		transcribe.WithPolicy(resilience.Policy{MaxAttempts: 2}),
		transcribe.WithAggregator(f.agg),
	)
	f.router.Register(transcribe.Provider{Name: "a", Transcriber: f.a, Timeout: time.Second})
	f.router.Register(transcribe.Provider{Name: "b", Transcriber: f.b, Timeout: time.Second})

	v := validate.New(validationCfg)
	f.jobs = jobs.New(v, f.router, history.NewLedger(100, 0), jobs.NewMemoryQueue(8),
		jobs.WithAggregator(f.agg), jobs.WithWorkers(1))
	f.srv = server.New(cfg, f.jobs, f.router, v, f.agg, opts...)
	return f
}

func (f *fixture) startWorkers(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.jobs.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// upload builds a multipart request with an audio/wav file part.
func upload(t *testing.T, path string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="speech.wav"`)
		h.Set("Content-Type", "audio/wav")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

type errBody struct {
	Error    string `json:"error"`
	Reason   string `json:"reason"`
	Class    string `json:"class"`
	Failures []struct {
		Provider string `json:"provider"`
		Class    string `json:"class"`
		Attempts int    `json:"attempts"`
	} `json:"failures"`
}

func TestSubmit_QueuedThenSucceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	f.startWorkers(t)

	rec := serve(f, upload(t, "/transcribe_async", wav(2), map[string]string{"user_id": "u1"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	sub := decode[struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}](t, rec)
	if sub.JobID == "" || sub.Status != "queued" {
		t.Fatalf("response = %+v", sub)
	}

	var job history.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := serve(f, httptest.NewRequest(http.MethodGet, "/job_status/"+sub.JobID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("job_status = %d", rec.Code)
		}
		job = decode[history.Job](t, rec)
		if job.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Status != history.StatusSucceeded || job.Text != "hello from a" || job.Provider != "a" {
		t.Fatalf("job = %+v", job)
	}

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/history?user_id=u1", nil))
	items := decode[[]map[string]any](t, rec)
	if len(items) != 1 {
		t.Fatalf("history = %v", items)
	}
	if items[0]["job_id"] != sub.JobID || items[0]["provider"] != "a" || items[0]["filename"] != "speech.wav" {
		t.Errorf("history item = %v", items[0])
	}
	if _, ok := items[0]["created_at"]; !ok {
		t.Error("history item has no created_at")
	}

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/analytics/users", nil))
	users := decode[map[string]map[string]int64](t, rec)
	if users["user_counts"]["u1"] != 1 {
		t.Errorf("user_counts = %v", users)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		data       []byte
		fields     map[string]string
		wantStatus int
		wantReason string
	}{
		{"too short", wavMs(500), nil, http.StatusBadRequest, string(validate.ReasonTooShort)},
		{"tiny", []byte("RIFF"), nil, http.StatusBadRequest, string(validate.ReasonTooSmall)},
		{"unknown provider", wav(2), map[string]string{"provider": "nope"}, http.StatusBadRequest, "unknown_provider"},
		{"bad webhook", wav(2), map[string]string{"webhook_url": "not a url"}, http.StatusBadRequest, string(validate.ReasonBadWebhook)},
		{"missing file", nil, map[string]string{"provider": "a"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, config.ServerConfig{})
			rec := serve(f, upload(t, "/transcribe_async", tt.data, tt.fields))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			body := decode[errBody](t, rec)
			if body.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", body.Reason, tt.wantReason)
			}
			if body.Error == "" {
				t.Error("error message is empty")
			}
			if n := f.a.CallCount() + f.b.CallCount(); n != 0 {
				t.Errorf("providers called %d times", n)
			}
		})
	}
}

func TestSubmit_BodyOverLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{MaxUploadBytes: 4096})
	rec := serve(f, upload(t, "/transcribe_async", wav(2), nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if body := decode[errBody](t, rec); body.Reason != string(validate.ReasonTooLarge) {
		t.Errorf("reason = %q", body.Reason)
	}
	if got := f.agg.Snapshot().Errors["validation"]; got != 1 {
		t.Errorf("validation errors = %d, want 1", got)
	}
}

func TestTranscribe_Sync(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	rec := serve(f, upload(t, "/transcribe", wav(2), map[string]string{"provider": "b"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	res := decode[transcribe.Result](t, rec)
	if res.Text != "hello from b" || res.Provider != "b" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if f.a.CallCount() != 0 {
		t.Error("preferred provider must be the only one contacted")
	}

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/analytics/providers", nil))
	counts := decode[map[string]map[string]int64](t, rec)
	if counts["provider_counts"]["b"] != 1 || counts["success_counts"]["b"] != 1 {
		t.Errorf("analytics = %v", counts)
	}
}

func TestTranscribe_AllProvidersFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	f.a.Script = []mock.Outcome{{Err: stt.Vendor("a", errors.New("boom"))}}
	f.b.Script = []mock.Outcome{{Err: stt.StatusError("b", http.StatusUnauthorized, []byte("bad key"))}}

	rec := serve(f, upload(t, "/transcribe", wav(2), nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode[errBody](t, rec)
	if body.Class != string(transcribe.ClassExhausted) {
		t.Errorf("class = %q", body.Class)
	}
	if len(body.Failures) != 2 {
		t.Fatalf("failures = %+v", body.Failures)
	}
	if body.Failures[0].Provider != "a" || body.Failures[0].Attempts != 2 || body.Failures[0].Class != "provider_failure" {
		t.Errorf("first failure = %+v", body.Failures[0])
	}
	if body.Failures[1].Provider != "b" || body.Failures[1].Attempts != 1 || body.Failures[1].Class != "misconfigured" {
		t.Errorf("second failure = %+v", body.Failures[1])
	}

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/analytics/errors", nil))
	errs := decode[map[string]map[string]int64](t, rec)
	if errs["error_counts"]["provider_failure"] != 2 || errs["error_counts"]["misconfigured"] != 1 {
		t.Errorf("error_counts = %v", errs)
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	rec := serve(f, httptest.NewRequest(http.MethodGet, "/job_status/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestProviders_PriorityOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	rec := serve(f, httptest.NewRequest(http.MethodGet, "/providers", nil))
	got := decode[map[string][]string](t, rec)["providers"]
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("providers = %v, want [a b]", got)
	}
}

func TestHistory_BadLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	rec := serve(f, httptest.NewRequest(http.MethodGet, "/history?limit=-3", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = serve(f, httptest.NewRequest(http.MethodGet, "/history", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty history = %s, want []", rec.Body)
	}
}

func TestMetrics_Snapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	serve(f, upload(t, "/transcribe", wav(2), nil))

	rec := serve(f, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	snap := decode[metrics.Snapshot](t, rec)
	if snap.Attempts["a"] != 1 || snap.FileTypes["wav"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Latency["a"]["wav"].Count != 1 {
		t.Errorf("latency = %+v", snap.Latency)
	}
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()
	prom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# prometheus")
	})
	with := newFixture(t, config.ServerConfig{}, server.WithPrometheus(prom), server.WithHealth(health.New()))
	without := newFixture(t, config.ServerConfig{})

	for _, path := range []string{"/metrics/prometheus", "/healthz", "/readyz", "/health"} {
		if rec := serve(with, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
		if rec := serve(without, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s without option = %d, want 404", path, rec.Code)
		}
	}
	if rec := serve(without, httptest.NewRequest(http.MethodGet, "/ws/transcribe_stream", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("stream route without streams = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	rec := serve(f, httptest.NewRequest(http.MethodGet, "/transcribe_async", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ── WebSocket ────────────────────────────────────────────────────────────────

func dialStream(t *testing.T, f *fixture, streams *stream.Manager) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(streams.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/transcribe_stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev stream.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestStream_PartialsThenClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	streams := stream.NewManager(stream.Config{ChunkBytes: 3200}, f.router)
	f.srv = server.New(config.ServerConfig{}, f.jobs, f.router, validate.New(validationCfg), f.agg, server.WithStreams(streams))
	conn := dialStream(t, f, streams)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
		if ev := readEvent(t, conn); ev.Partial != "hello from a" {
			t.Fatalf("event %d = %+v, want partial", i, ev)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("close")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", got, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for streams.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if streams.Len() != 0 {
		t.Errorf("open sessions = %d after close", streams.Len())
	}
}

func waitNoSessions(t *testing.T, streams *stream.Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for streams.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if streams.Len() != 0 {
		t.Fatalf("open sessions = %d", streams.Len())
	}
}

func TestStream_DroppedConnectionDiscardsBuffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	streams := stream.NewManager(stream.Config{ChunkBytes: 3200}, f.router)
	f.srv = server.New(config.ServerConfig{}, f.jobs, f.router, validate.New(validationCfg), f.agg, server.WithStreams(streams))
	conn := dialStream(t, f, streams)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 1600)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.CloseNow()

	waitNoSessions(t, streams)
	if n := f.a.CallCount() + f.b.CallCount(); n != 0 {
		t.Errorf("provider called %d times after the client dropped", n)
	}
}

func TestStream_CloseFrameFlushesBuffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	streams := stream.NewManager(stream.Config{ChunkBytes: 3200}, f.router)
	f.srv = server.New(config.ServerConfig{}, f.jobs, f.router, validate.New(validationCfg), f.agg, server.WithStreams(streams))
	conn := dialStream(t, f, streams)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 1600)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	waitNoSessions(t, streams)
	if n := f.a.CallCount(); n != 1 {
		t.Errorf("flush calls = %d, want 1", n)
	}
}

func TestStream_ProviderErrorIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.ServerConfig{})
	// Two failed attempts for the first unit, then a success.
	f.a.Script = []mock.Outcome{
		{Err: stt.Vendor("a", errors.New("boom"))},
		{Err: stt.Vendor("a", errors.New("boom"))},
		{Text: "recovered"},
	}
	streams := stream.NewManager(stream.Config{ChunkBytes: 3200, Provider: "a"}, f.router)
	f.srv = server.New(config.ServerConfig{}, f.jobs, f.router, validate.New(validationCfg), f.agg, server.WithStreams(streams))
	conn := dialStream(t, f, streams)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Error == "" {
		t.Fatalf("event = %+v, want error", ev)
	}
	if f.b.CallCount() != 0 {
		t.Error("pinned stream provider must not fall back")
	}

	// The session survives a provider error.
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Partial != "recovered" {
		t.Fatalf("event = %+v, want partial", ev)
	}
}
