package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/filedeck/filedeck/internal/catalog"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/filesync"
	"github.com/filedeck/filedeck/internal/gateway"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/storage/local"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/models"
	"github.com/filedeck/filedeck/pkg/protocol"
	"github.com/filedeck/filedeck/pkg/retry"
)

type testEnv struct {
	gatewayTS *httptest.Server
	ts        *httptest.Server
	ctrl      *filesync.Controller
}

// newTestEnv runs a real gateway on a temp directory behind the filedeck
// server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.NewServer(metadata.NewMemoryStore(), backend, events.NewBroadcaster(), gateway.Options{})
	gatewayTS := httptest.NewServer(gw.Handler())
	t.Cleanup(gatewayTS.Close)

	c := client.New(client.Config{
		BaseURL:     gatewayTS.URL,
		RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})
	b := events.NewBroadcaster()
	opts := filesync.DefaultOptions()
	opts.Notifier = b
	ctrl := filesync.New(c, catalog.New(), opts)

	ts := httptest.NewServer(NewServer(ctrl, b, Options{Gateway: c}).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{gatewayTS: gatewayTS, ts: ts, ctrl: ctrl}
}

func (e *testEnv) upload(t *testing.T, names ...string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, n := range names {
		fw, err := mw.CreateFormFile(client.UploadField, n)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, "content of "+n)
	}
	mw.Close()
	resp, err := http.Post(e.ts.URL+"/api/v1/files", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func labels(nodes []*models.TreeNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Label
	}
	return out
}

func TestUploadBuildsTree(t *testing.T) {
	e := newTestEnv(t)

	resp := e.upload(t, "docs/a.txt", "docs/b.txt", "img/c.png")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	uploaded := decode[protocol.FilesResponse](t, resp)
	if len(uploaded.Files) != 3 || uploaded.Total != 3 {
		t.Fatalf("upload response = %+v", uploaded)
	}

	tr := decode[protocol.TreeResponse](t, e.do(t, http.MethodGet, "/api/v1/tree", nil))
	if got := labels(tr.Forest); strings.Join(got, ",") != "docs,img" {
		t.Fatalf("roots = %v", got)
	}
	if got := labels(tr.Forest[0].Children); strings.Join(got, ",") != "a.txt,b.txt" {
		t.Errorf("docs children = %v", got)
	}
	if tr.Nodes != 5 {
		t.Errorf("nodes = %d, want 5", tr.Nodes)
	}

	sub := decode[protocol.TreeResponse](t, e.do(t, http.MethodGet, "/api/v1/tree?key=img", nil))
	if len(sub.Forest) != 1 || sub.Forest[0].Key != "img" || sub.Nodes != 2 {
		t.Errorf("subtree = %+v", sub)
	}
	if resp := e.do(t, http.MethodGet, "/api/v1/tree?key=nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key status = %d", resp.StatusCode)
	}
}

func TestSearch(t *testing.T) {
	e := newTestEnv(t)
	e.upload(t, "docs/a.txt", "docs/b.txt", "img/c.png").Body.Close()

	files := decode[protocol.FilesResponse](t, e.do(t, http.MethodGet, "/api/v1/files?q=DOCS", nil))
	if len(files.Files) != 2 || files.Total != 3 || files.SearchTerm != "DOCS" {
		t.Errorf("files = %+v", files)
	}

	// A filtered listing leaves the stored term alone.
	tr := decode[protocol.TreeResponse](t, e.do(t, http.MethodGet, "/api/v1/tree", nil))
	if got := labels(tr.Forest); strings.Join(got, ",") != "docs,img" || tr.SearchTerm != "" {
		t.Errorf("roots after GET ?q= = %v, term %q", got, tr.SearchTerm)
	}

	body, _ := json.Marshal(protocol.SearchRequest{Term: "DOCS"})
	tr = decode[protocol.TreeResponse](t, e.do(t, http.MethodPut, "/api/v1/search", bytes.NewReader(body)))
	if got := labels(tr.Forest); strings.Join(got, ",") != "docs" || tr.SearchTerm != "DOCS" {
		t.Errorf("search = %v, term %q", got, tr.SearchTerm)
	}

	// The term sticks until changed.
	files = decode[protocol.FilesResponse](t, e.do(t, http.MethodGet, "/api/v1/files", nil))
	if len(files.Files) != 2 || files.SearchTerm != "DOCS" {
		t.Errorf("files under stored term = %+v", files)
	}

	body, _ = json.Marshal(protocol.SearchRequest{Term: ""})
	tr = decode[protocol.TreeResponse](t, e.do(t, http.MethodPut, "/api/v1/search", bytes.NewReader(body)))
	if len(tr.Forest) != 2 || tr.SearchTerm != "" {
		t.Errorf("cleared search = %+v", tr)
	}

	if resp := e.do(t, http.MethodPut, "/api/v1/search", strings.NewReader("{")); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
}

func TestContentAndDelete(t *testing.T) {
	e := newTestEnv(t)
	e.upload(t, "docs/a.txt", "docs/b.txt").Body.Close()

	resp := e.do(t, http.MethodGet, "/api/v1/content?name="+url.QueryEscape("docs/a.txt"), nil)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != "content of docs/a.txt" {
		t.Errorf("content = %d %q", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	resp = e.do(t, http.MethodDelete, "/api/v1/files?name="+url.QueryEscape("docs/a.txt"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	snap := e.ctrl.Snapshot()
	if snap.Total != 1 || len(snap.Forest) != 1 || len(snap.Forest[0].Children) != 1 {
		t.Errorf("after delete snapshot = %+v", snap)
	}

	// Already gone on the gateway: still a success.
	resp = e.do(t, http.MethodDelete, "/api/v1/files?name="+url.QueryEscape("docs/a.txt"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("repeat delete status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/content?name="+url.QueryEscape("docs/a.txt"), nil)
	errResp := decode[protocol.ErrorResponse](t, resp)
	if resp.StatusCode != http.StatusNotFound || errResp.Code != http.StatusNotFound {
		t.Errorf("missing content = %d %+v", resp.StatusCode, errResp)
	}
}

func TestGatewayDown(t *testing.T) {
	e := newTestEnv(t)
	e.upload(t, "docs/a.txt").Body.Close()
	e.gatewayTS.Close()

	resp := e.do(t, http.MethodPost, "/api/v1/refresh", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("refresh status = %d, want 502", resp.StatusCode)
	}

	resp = e.do(t, http.MethodDelete, "/api/v1/files?name=docs/a.txt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("delete status = %d, want 502", resp.StatusCode)
	}
	if e.ctrl.Snapshot().Total != 1 {
		t.Error("failed delete changed the catalog")
	}

	resp = e.upload(t, "docs/new.txt")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway || e.ctrl.Snapshot().Total != 1 {
		t.Errorf("upload status = %d, total %d", resp.StatusCode, e.ctrl.Snapshot().Total)
	}

	health := decode[map[string]any](t, e.do(t, http.MethodGet, "/health", nil))
	if health["gateway"] != "offline" {
		t.Errorf("health = %v", health)
	}
}

func TestRefreshPicksUpRemoteChanges(t *testing.T) {
	e := newTestEnv(t)
	c := client.New(client.Config{BaseURL: e.gatewayTS.URL})
	if _, err := c.UploadFiles(context.Background(), []client.UploadFile{
		{Name: "remote.txt", ContentType: "text/plain", Content: strings.NewReader("r")},
	}); err != nil {
		t.Fatal(err)
	}
	if e.ctrl.Snapshot().Total != 0 {
		t.Fatal("catalog changed without refresh")
	}

	tr := decode[protocol.TreeResponse](t, e.do(t, http.MethodPost, "/api/v1/refresh", nil))
	if len(tr.Forest) != 1 || tr.Forest[0].Key != "remote.txt" || tr.Forest[0].Kind != models.KindLeaf {
		t.Errorf("tree after refresh = %+v", tr)
	}
}

func TestUploadValidation(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/files", strings.NewReader("plain"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/api/v1/files", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("nameless delete status = %d", resp.StatusCode)
	}
}

func TestTreeGzip(t *testing.T) {
	e := newTestEnv(t)
	e.upload(t, "a.txt").Body.Close()

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/v1/tree", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", resp.Header.Get("Content-Encoding"))
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var tr protocol.TreeResponse
	if err := json.NewDecoder(gz).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	if tr.Nodes != 1 {
		t.Errorf("nodes = %d", tr.Nodes)
	}
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t)
	sse := client.NewSSEClient(e.ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := sse.Subscribe(ctx)

	// Wait until the stream is attached before mutating.
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.do(t, http.MethodPut, "/api/v1/search", strings.NewReader(`{"term":"x"}`)).Body.Close()
		select {
		case ev := <-stream:
			if ev.Type != protocol.EventSearch {
				t.Fatalf("event = %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
}
