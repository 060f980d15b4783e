package gateway

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/filedeck/filedeck/internal/auth"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/storage/local"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/protocol"
	"github.com/filedeck/filedeck/pkg/retry"
)

type testGateway struct {
	server      *Server
	ts          *httptest.Server
	client      *client.Client
	broadcaster *events.Broadcaster
	backend     *local.Backend
}

func newTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	b := events.NewBroadcaster()
	s := NewServer(metadata.NewMemoryStore(), backend, b, opts)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	c := client.New(client.Config{
		BaseURL:     ts.URL,
		RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})
	return &testGateway{server: s, ts: ts, client: c, broadcaster: b, backend: backend}
}

func zipArchive(t *testing.T, members map[string]string, dirs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, d := range dirs {
		if _, err := zw.Create(d); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, content)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUploadListFetchDelete(t *testing.T) {
	g := newTestGateway(t, Options{})
	ctx := context.Background()

	stored, err := g.client.UploadFiles(ctx, []client.UploadFile{
		{Name: "notes.txt", ContentType: "text/plain", Content: strings.NewReader("hello")},
		{Name: "raw.bin", Content: strings.NewReader("%PDF-1.4\n")},
	})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}
	first := stored[0]
	if first.ID == nil || first.FileName != "notes.txt" || first.Path != "notes.txt" || first.Size != 5 || first.MimeType != "text/plain" {
		t.Errorf("first record = %+v", first)
	}
	if stored[1].MimeType != "application/pdf" {
		t.Errorf("sniffed type = %q, want application/pdf", stored[1].MimeType)
	}
	if err := first.Validate(); err != nil {
		t.Errorf("stored record invalid: %v", err)
	}

	listed, err := g.client.ListFiles(ctx)
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListFiles = %d, %v", len(listed), err)
	}

	content, err := g.client.FetchContent(ctx, "notes.txt")
	if err != nil || string(content) != "hello" {
		t.Errorf("FetchContent = %q, %v", content, err)
	}

	if err := g.client.DeleteFile(ctx, "notes.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := g.client.DeleteFile(ctx, "notes.txt"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := g.client.FetchContent(ctx, "notes.txt"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("fetch after delete err = %v, want ErrNotFound", err)
	}
	if ok, _ := g.backend.ObjectExists(ctx, "notes.txt"); ok {
		t.Error("object keys must not be record names")
	}
}

func TestUploadExpandsZip(t *testing.T) {
	g := newTestGateway(t, Options{})
	archive := zipArchive(t, map[string]string{
		"docs/a.txt":      "aaa",
		"docs/deep/b.txt": "bb",
	}, "docs/", "docs/deep/")

	stored, err := g.client.UploadFiles(context.Background(), []client.UploadFile{
		{Name: "bundle.zip", ContentType: "application/zip", Content: bytes.NewReader(archive)},
	})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2 (directories skipped)", len(stored))
	}
	byPath := map[string]protocol.FilePayload{}
	for _, p := range stored {
		byPath[p.Path] = p
	}
	b, ok := byPath["docs/deep/b.txt"]
	if !ok || b.FileName != "b.txt" || b.Size != 2 {
		t.Errorf("docs/deep/b.txt = %+v", b)
	}

	content, err := g.client.FetchContent(context.Background(), "docs/a.txt")
	if err != nil || string(content) != "aaa" {
		t.Errorf("member content = %q, %v", content, err)
	}
}

func TestIsZip(t *testing.T) {
	tests := map[string]bool{
		"application/zip":              true,
		"zip/whatever":                 true,
		"application/zip; charset=x":   true,
		"application/x-zip-compressed": false,
		"text/plain":                   false,
		"":                             false,
	}
	for ct, want := range tests {
		if got := isZip(ct); got != want {
			t.Errorf("isZip(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestUploadRejectsBadZip(t *testing.T) {
	g := newTestGateway(t, Options{})
	_, err := g.client.UploadFiles(context.Background(), []client.UploadFile{
		{Name: "broken.zip", ContentType: "application/zip", Content: strings.NewReader("not a zip")},
	})
	var se *client.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want 400", err)
	}
}

func TestUploadTooLarge(t *testing.T) {
	g := newTestGateway(t, Options{MaxUploadSize: 64})
	_, err := g.client.UploadFiles(context.Background(), []client.UploadFile{
		{Name: "big.txt", ContentType: "text/plain", Content: strings.NewReader(strings.Repeat("x", 1024))},
	})
	var se *client.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("err = %v, want 413", err)
	}
	if listed, _ := g.client.ListFiles(context.Background()); len(listed) != 0 {
		t.Errorf("oversized upload stored %d records", len(listed))
	}
}

func TestUploadRequiresFilesField(t *testing.T) {
	g := newTestGateway(t, Options{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("other", "a.txt")
	io.WriteString(fw, "x")
	mw.Close()

	resp, err := http.Post(g.ts.URL+client.FilesPath, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestContentBase64AndFirstMatch(t *testing.T) {
	g := newTestGateway(t, Options{})
	ctx := context.Background()
	for _, content := range []string{"first", "second"} {
		if _, err := g.client.UploadFiles(ctx, []client.UploadFile{
			{Name: "dup.txt", ContentType: "text/plain", Content: strings.NewReader(content)},
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(g.ts.URL + client.ContentPath + "?name=dup.txt&encoding=base64")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var encoded string
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if encoded != "Zmlyc3Q=" {
		t.Errorf("base64 = %q, want first upload", encoded)
	}

	// Delete removes every record with the name.
	if err := g.client.DeleteFile(ctx, "dup.txt"); err != nil {
		t.Fatal(err)
	}
	if listed, _ := g.client.ListFiles(ctx); len(listed) != 0 {
		t.Errorf("%d records left after delete", len(listed))
	}
}

func TestNameQueryRequired(t *testing.T) {
	g := newTestGateway(t, Options{})
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		path := client.FilesPath
		if method == http.MethodGet {
			path = client.ContentPath
		}
		req, _ := http.NewRequest(method, g.ts.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s status = %d, want 400", method, path, resp.StatusCode)
		}
	}
}

func TestEventsPublished(t *testing.T) {
	g := newTestGateway(t, Options{})
	ch := g.broadcaster.Subscribe()
	defer g.broadcaster.Unsubscribe(ch)
	ctx := context.Background()

	if _, err := g.client.UploadFiles(ctx, []client.UploadFile{
		{Name: "e.txt", ContentType: "text/plain", Content: strings.NewReader("e")},
	}); err != nil {
		t.Fatal(err)
	}
	if err := g.client.DeleteFile(ctx, "e.txt"); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{protocol.EventCreated, protocol.EventRemoved} {
		select {
		case ev := <-ch:
			if ev.Type != want || ev.Key != "e.txt" {
				t.Errorf("event = %+v, want %s for e.txt", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	a := auth.New("secret")
	g := newTestGateway(t, Options{Auth: a})
	ctx := context.Background()

	if err := g.client.Ping(ctx); err != nil {
		t.Errorf("health must stay public: %v", err)
	}
	_, err := g.client.ListFiles(ctx)
	var se *client.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list err = %v, want 401", err)
	}

	tok, _, err := a.IssueToken("filedeck", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	g.client.SetAuthToken(tok)
	if _, err := g.client.ListFiles(ctx); err != nil {
		t.Errorf("authenticated list: %v", err)
	}
}

func TestUploadKeepsDirectoriesInName(t *testing.T) {
	g := newTestGateway(t, Options{})
	stored, err := g.client.UploadFiles(context.Background(), []client.UploadFile{
		{Name: "docs/2024/report.txt", ContentType: "text/plain", Content: strings.NewReader("r")},
	})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if stored[0].Path != "docs/2024/report.txt" || stored[0].FileName != "docs/2024/report.txt" {
		t.Errorf("record = %+v", stored[0])
	}
}
