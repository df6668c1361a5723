package orchestrator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"live-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(h *harness) *chi.Mux {
	r := chi.NewRouter()
	NewHandler(h.svc, logger.Discard()).Routes(r)
	return r
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetPlaylist(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	r := newTestRouter(h)

	rec := serve(r, http.MethodGet, "/calls/c1/hls/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n") || !strings.Contains(body, `#EXT-X-MAP:URI="init.mp4"`) {
		t.Errorf("unexpected playlist:\n%s", body)
	}
	if strings.Count(body, ".m4s\n") != 5 {
		t.Errorf("expected 5 segments:\n%s", body)
	}
}

func TestHandler_GetInit(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	r := newTestRouter(h)

	if rec := serve(r, http.MethodGet, "/calls/c1/hls/init.mp4"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before start, got %d", rec.Code)
	}

	serve(r, http.MethodGet, "/calls/c1/hls/playlist.m3u8")
	rec := serve(r, http.MethodGet, "/calls/c1/hls/init.mp4")
	if rec.Code != http.StatusOK || rec.Body.String() != "init:t96000" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != mp4ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandler_GetSegment(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	r := newTestRouter(h)
	serve(r, http.MethodGet, "/calls/c1/hls/playlist.m3u8")
	h.tickN(h.session("c1"), 11)

	tests := []struct {
		name string
		path string
		code int
		body string
	}{
		{"retained", "/calls/c1/hls/12.m4s", http.StatusOK, "12@12000:t108000"},
		{"expired", "/calls/c1/hls/9.m4s", http.StatusNotFound, ""},
		{"bad name", "/calls/c1/hls/12.ts", http.StatusNotFound, ""},
		{"not a number", "/calls/c1/hls/x.m4s", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(r, http.MethodGet, tt.path)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestHandler_GetSegment_upstream_error(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	h.fetcher.errAll = &APIError{Code: 403, Type: "GROUPCALL_FORBIDDEN"}
	r := newTestRouter(h)

	rec := serve(r, http.MethodGet, "/calls/c1/hls/0.m4s")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GROUPCALL_FORBIDDEN") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_Leave(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	r := newTestRouter(h)
	h.svc.OpenStream("c1")

	if rec := serve(r, http.MethodPost, "/calls/c1/leave?permanent=maybe"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if h.svc.ActiveSessionCount() != 1 {
		t.Fatal("bad request tore the session down")
	}

	if rec := serve(r, http.MethodPost, "/calls/c1/leave?permanent=true"); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if h.svc.ActiveSessionCount() != 0 {
		t.Error("session survived leave")
	}

	if rec := serve(r, http.MethodGet, "/calls/c1/leave"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	r := newTestRouter(h)

	rec := serve(r, http.MethodGet, "/calls/c1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != string(LivenessAlive) {
		t.Errorf("status = %v", got)
	}
}

func TestHandler_Stream(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/calls/c1/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != mp4ContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	want := "init:t96000" + "0@0:t96000"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != want {
		t.Errorf("stream starts with %q, want %q", buf, want)
	}
}

func TestHandler_Stream_ends_with_session(t *testing.T) {
	h := newHarness(t, 100_000, 100_000)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/calls/c1/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	h.session("c1").Destroy(ErrLeft)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(body), "init:t96000") {
		t.Errorf("body = %q", body)
	}
}
