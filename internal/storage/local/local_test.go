package local

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without root should fail")
	}
	missing := filepath.Join(t.TempDir(), "objects")
	if _, err := New(Config{RootPath: missing}); err == nil {
		t.Error("New on missing dir without CreateDirs should fail")
	}
	b, err := New(Config{RootPath: missing, CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type = %q", b.Type())
	}
}

func TestPutGetDelete(t *testing.T) {
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := b.PutObject(ctx, "obj-1", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	rc, size, err := b.GetObject(ctx, "obj-1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" || size != 5 {
		t.Errorf("GetObject = %q (%d)", data, size)
	}

	if ok, _ := b.ObjectExists(ctx, "obj-1"); !ok {
		t.Error("ObjectExists = false after put")
	}
	if err := b.DeleteObject(ctx, "obj-1"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := b.DeleteObject(ctx, "obj-1"); err != nil {
		t.Errorf("second DeleteObject: %v", err)
	}
	if _, _, err := b.GetObject(ctx, "obj-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject after delete err = %v, want ErrNotFound", err)
	}
}

func TestPutSizeMismatch(t *testing.T) {
	b, _ := New(Config{RootPath: t.TempDir()})
	err := b.PutObject(context.Background(), "obj", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if ok, _ := b.ObjectExists(context.Background(), "obj"); ok {
		t.Error("partial object left behind")
	}
}

func TestInvalidKeys(t *testing.T) {
	b, _ := New(Config{RootPath: t.TempDir()})
	for _, key := range []string{"", "../escape", "a/b", `a\b`} {
		if err := b.PutObject(context.Background(), key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) should fail", key)
		}
	}
}
