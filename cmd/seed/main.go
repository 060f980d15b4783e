// seed uploads a local directory to the gateway. Each file is stored under
// its slash-separated path relative to the directory, so the tree the
// filedeck service builds mirrors the directory layout.
package main

import (
	"context"
	"flag"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/pkg/client"
	"github.com/filedeck/filedeck/pkg/retry"
)

func main() {
	dataDir := flag.String("data", "./testdata", "Directory with seed files")
	gatewayURL := flag.String("gateway", "http://localhost:8000", "Gateway URL")
	token := flag.String("token", "", "Gateway bearer token")
	batch := flag.Int("batch", 20, "Files per upload request")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		panic("logging init: " + err.Error())
	}
	defer logging.Sync()

	ctx := context.Background()
	c := client.New(client.Config{
		BaseURL:   *gatewayURL,
		AuthToken: *token,
		RetryConfig: retry.Config{
			MaxAttempts: 15,
			InitialWait: 2 * time.Second,
			MaxWait:     2 * time.Second,
			Multiplier:  1,
		},
	})

	logging.Info("waiting for gateway", zap.String("url", *gatewayURL))
	if err := c.Ping(ctx); err != nil {
		logging.Fatal("gateway unreachable", zap.Error(err))
	}

	var (
		pending []client.UploadFile
		opened  []*os.File
		total   int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		stored, err := c.UploadFiles(ctx, pending)
		for _, f := range opened {
			f.Close()
		}
		if err != nil {
			logging.Fatal("upload failed", zap.Int("files", len(pending)), zap.Error(err))
		}
		total += len(stored)
		logging.Info("uploaded batch", zap.Int("records", len(stored)), zap.Int("total", total))
		pending, opened = pending[:0], opened[:0]
	}

	err := filepath.WalkDir(*dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(*dataDir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		opened = append(opened, f)
		pending = append(pending, client.UploadFile{
			Name:        filepath.ToSlash(rel),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Content:     f,
		})
		if len(pending) >= *batch {
			flush()
		}
		return nil
	})
	if err != nil {
		logging.Fatal("walk failed", zap.String("dir", *dataDir), zap.Error(err))
	}
	flush()

	logging.Info("seed complete", zap.Int("records", total))
}
