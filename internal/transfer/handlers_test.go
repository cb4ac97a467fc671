package transfer

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Tyrowin/filechat/internal/bridge"
	"github.com/Tyrowin/filechat/internal/catalog"
	"github.com/Tyrowin/filechat/internal/config"
)

type transferFixture struct {
	server  *Server
	httpSrv *httptest.Server
	catalog *catalog.Catalog
	bus     *bridge.Bridge
}

// newFixture builds a transfer server over a temporary upload root with a
// small chunk size so positional writes are cheap to exercise.
func newFixture(t *testing.T) *transferFixture {
	t.Helper()

	cfg := config.New()
	cfg.UploadRoot = t.TempDir()
	cfg.ChunkSize = 8

	cat := catalog.New(cfg.UploadRoot)
	if err := cat.EnsureReady(); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}

	bus := bridge.New()
	s := NewServer(cfg, cat, bus, nil)
	httpSrv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(httpSrv.Close)

	return &transferFixture{server: s, httpSrv: httpSrv, catalog: cat, bus: bus}
}

func (f *transferFixture) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, f.httpSrv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
}

func (f *transferFixture) initUpload(t *testing.T, name string, size int64) initResponse {
	t.Helper()

	body, _ := json.Marshal(initRequest{Name: name, Size: size})
	resp := f.do(t, http.MethodPost, "/upload/init", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload/init status = %d", resp.StatusCode)
	}
	var out initResponse
	decodeJSON(t, resp, &out)
	if out.ID == "" || out.ChunkSize != 8 {
		t.Fatalf("upload/init response = %+v", out)
	}
	return out
}

func (f *transferFixture) putChunk(t *testing.T, id string, seq int, data []byte) *http.Response {
	t.Helper()
	return f.do(t, http.MethodPut, "/upload/chunk?id="+id+"&seq="+strconv.Itoa(seq), data)
}

func (f *transferFixture) complete(t *testing.T, id, name string, size int64, from string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(completeRequest{ID: id, Name: name, Size: size, From: from})
	return f.do(t, http.MethodPost, "/upload/complete", body)
}

// TestHealthEndpoint tests that the health check responds with a plain OK.
func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("Body = %q, want OK", body)
	}
}

// TestUploadDownloadRoundtrip tests the full three-step upload and the
// subsequent download, and that a file_meta event lands on the bridge.
func TestUploadDownloadRoundtrip(t *testing.T) {
	f := newFixture(t)

	content := []byte("0123456789") // 10 bytes: one full chunk + 2
	init := f.initUpload(t, "a.txt", int64(len(content)))

	if resp := f.putChunk(t, init.ID, 0, content[:8]); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk 0 status = %d", resp.StatusCode)
	}
	if resp := f.putChunk(t, init.ID, 1, content[8:]); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk 1 status = %d", resp.StatusCode)
	}

	resp := f.complete(t, init.ID, "a.txt", int64(len(content)), "alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}
	var ok okResponse
	decodeJSON(t, resp, &ok)
	if !ok.OK {
		t.Fatal("complete did not report ok")
	}

	// The commit publishes one file_meta event for the chat side.
	select {
	case <-f.bus.Wakeup():
	case <-time.After(time.Second):
		t.Fatal("No bridge wakeup after commit")
	}
	msg, taken := f.bus.TryTake()
	if !taken {
		t.Fatal("Bridge queue empty after commit")
	}
	var meta fileMeta
	if err := json.Unmarshal([]byte(msg), &meta); err != nil {
		t.Fatalf("Bad file_meta payload %q: %v", msg, err)
	}
	if meta.Action != "file_meta" || meta.Name != "a.txt" || meta.From != "alice" ||
		meta.Size != int64(len(content)) || meta.URL != "/download?name=a.txt" {
		t.Errorf("file_meta = %+v", meta)
	}

	dl := f.do(t, http.MethodGet, "/download?name=a.txt", nil)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if got := dl.Header.Get("Content-Length"); got != strconv.Itoa(len(content)) {
		t.Errorf("Content-Length = %q", got)
	}
	if got := dl.Header.Get("Content-Disposition"); got != `attachment; filename="a.txt"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	body, _ := io.ReadAll(dl.Body)
	if !bytes.Equal(body, content) {
		t.Errorf("Downloaded %q, want %q", body, content)
	}
}

// TestChunkIdempotence tests that re-sending the identical chunk, and
// sending chunks out of order, produces the same final bytes as a clean
// in-order upload.
func TestChunkIdempotence(t *testing.T) {
	f := newFixture(t)

	content := []byte("abcdefgh01234567") // exactly two chunks
	init := f.initUpload(t, "b.bin", int64(len(content)))

	// Out of order, with a duplicate.
	f.putChunk(t, init.ID, 1, content[8:])
	f.putChunk(t, init.ID, 0, content[:8])
	if resp := f.putChunk(t, init.ID, 1, content[8:]); resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate chunk status = %d", resp.StatusCode)
	}

	if resp := f.complete(t, init.ID, "b.bin", int64(len(content)), "bob"); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	got, err := os.ReadFile(f.catalog.FinalPath("b.bin"))
	if err != nil {
		t.Fatalf("Reading final file failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Final bytes = %q, want %q", got, content)
	}
}

// TestCommitSizeMismatch tests commit atomicity: a wrong declared size is
// refused, the temp file survives for inspection, and a prior final file
// of the same name is untouched.
func TestCommitSizeMismatch(t *testing.T) {
	f := newFixture(t)

	prior := []byte("old contents")
	if err := os.WriteFile(f.catalog.FinalPath("c.txt"), prior, 0o644); err != nil {
		t.Fatal(err)
	}

	init := f.initUpload(t, "c.txt", 8)
	f.putChunk(t, init.ID, 0, []byte("12345678"))

	resp := f.complete(t, init.ID, "c.txt", 9999, "carol")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("complete status = %d, want 400", resp.StatusCode)
	}
	var fail failBody
	decodeJSON(t, resp, &fail)
	if fail.Reason != "size mismatch" {
		t.Errorf("Reason = %q, want size mismatch", fail.Reason)
	}

	got, err := os.ReadFile(f.catalog.FinalPath("c.txt"))
	if err != nil || !bytes.Equal(got, prior) {
		t.Error("Prior final file was modified by a refused commit")
	}
	if _, err := os.Stat(f.catalog.TempPath(init.ID)); err != nil {
		t.Error("Temp file removed by a refused commit")
	}
	if f.bus.Len() != 0 {
		t.Error("Refused commit published a notification")
	}
}

// TestChunkTooLarge tests that a chunk body past the fixed chunk size is
// rejected with 413.
func TestChunkTooLarge(t *testing.T) {
	f := newFixture(t)
	init := f.initUpload(t, "d.bin", 32)

	resp := f.putChunk(t, init.ID, 0, bytes.Repeat([]byte{'x'}, 9))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want 413", resp.StatusCode)
	}
}

// TestBadRequests tests the malformed and missing-field failure paths.
func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   []byte
		status int
	}{
		{"init bad json", http.MethodPost, "/upload/init", []byte("{"), http.StatusBadRequest},
		{"init missing fields", http.MethodPost, "/upload/init", []byte(`{"name":""}`), http.StatusBadRequest},
		{"init traversal name", http.MethodPost, "/upload/init", []byte(`{"name":"../evil","size":4}`), http.StatusBadRequest},
		{"chunk missing params", http.MethodPut, "/upload/chunk", []byte("data"), http.StatusBadRequest},
		{"chunk bad seq", http.MethodPut, "/upload/chunk?id=x&seq=-1", []byte("data"), http.StatusBadRequest},
		{"chunk seq past size ceiling", http.MethodPut, "/upload/chunk?id=x&seq=99999999", []byte("data"), http.StatusBadRequest},
		{"chunk seq overflowing offset", http.MethodPut, "/upload/chunk?id=x&seq=9223372036854775807", []byte("data"), http.StatusBadRequest},
		{"chunk empty body", http.MethodPut, "/upload/chunk?id=x&seq=0", nil, http.StatusBadRequest},
		{"complete bad json", http.MethodPost, "/upload/complete", []byte("nope"), http.StatusBadRequest},
		{"complete missing fields", http.MethodPost, "/upload/complete", []byte(`{"id":"x"}`), http.StatusBadRequest},
		{"download missing name", http.MethodGet, "/download", nil, http.StatusBadRequest},
		{"download traversal", http.MethodGet, "/download?name=..%2Fsecret", nil, http.StatusBadRequest},
		{"download absent", http.MethodGet, "/download?name=ghost.txt", nil, http.StatusNotFound},
		{"unknown route", http.MethodGet, "/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := f.do(t, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.status)
		}
	}
}

// TestStartStop tests the listener lifecycle: Start binds, Run serves until
// Stop, and Stop is not reported as a serve error.
func TestStartStop(t *testing.T) {
	cfg := config.New()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.UploadRoot = t.TempDir()

	cat := catalog.New(cfg.UploadRoot)
	if err := cat.EnsureReady(); err != nil {
		t.Fatal(err)
	}
	s := NewServer(cfg, cat, bridge.New(), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	_ = resp.Body.Close()

	if err := s.Stop(2 * time.Second); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after Stop")
	}
}
