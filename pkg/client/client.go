// Package client is the HTTP client for the file-storage gateway, with retry
// for idempotent reads and online tracking.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/pkg/protocol"
	"github.com/filedeck/filedeck/pkg/retry"
)

// Gateway routes.
const (
	FilesPath   = "/api/v1/files"
	ContentPath = "/api/v1/content"
	EventsPath  = "/api/v1/events"
	HealthPath  = "/health"

	// UploadField is the multipart field carrying uploaded files.
	UploadField = "files"
)

// Client talks to the gateway.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// UploadFile is one file handed to UploadFiles.
type UploadFile struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// BaseURL returns the gateway base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the gateway answered the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastContact returns when the gateway was last reached or found unreachable.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("gateway is back online", logging.String("url", c.baseURL))
		} else {
			logging.Error("gateway is offline", logging.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the gateway is reachable.
func (c *Client) Ping(ctx context.Context) error {
	err := retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.send(ctx, "ping", http.MethodGet, HealthPath, nil, "")
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
	return unwrapRetry(err)
}

// ListFiles fetches every record from the gateway.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FilePayload, error) {
	const op = "list files"
	payloads, err := retry.DoWithResult(ctx, c.retryConfig, func() ([]protocol.FilePayload, error) {
		resp, err := c.send(ctx, op, http.MethodGet, FilesPath, nil, "")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return decodePayloads(op, resp.Body)
	})
	return payloads, unwrapRetry(err)
}

// UploadFiles stores files on the gateway and returns the records it
// created. Uploads are never retried.
func (c *Client) UploadFiles(ctx context.Context, files []UploadFile) ([]protocol.FilePayload, error) {
	const op = "upload files"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		if strings.IndexFunc(f.Name, unicode.IsControl) >= 0 {
			return nil, fmt.Errorf("%s: invalid file name %q", op, f.Name)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="%s"`, UploadField, escapeQuotes(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, fmt.Errorf("%s: read %s: %w", op, f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.send(ctx, op, http.MethodPost, FilesPath, &body, mw.FormDataContentType())
	if err != nil {
		return nil, unwrapRetry(err)
	}
	defer resp.Body.Close()
	return decodePayloads(op, resp.Body)
}

// FetchContent returns the content stored under name. The gateway may send
// raw bytes or a JSON string holding base64.
func (c *Client) FetchContent(ctx context.Context, name string) ([]byte, error) {
	const op = "fetch content"
	content, err := retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		resp, err := c.send(ctx, op, http.MethodGet, ContentPath+"?name="+url.QueryEscape(name), nil, "")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("%s: %w: %w", op, ErrNetwork, err))
		}
		mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mt != "application/json" {
			return data, nil
		}
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, malformed(op, err)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, malformed(op, err)
		}
		return decoded, nil
	})
	return content, unwrapRetry(err)
}

// DeleteFile removes every record stored under name. Deletes are never
// retried; a missing name yields ErrNotFound.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	resp, err := c.send(ctx, "delete file", http.MethodDelete, FilesPath+"?name="+url.QueryEscape(name), nil, "")
	if err != nil {
		return unwrapRetry(err)
	}
	resp.Body.Close()
	return nil
}

// send performs one request. Transport failures and 5xx answers come back
// marked retryable; callers that must not retry strip the mark.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("%s: %w: %w", op, ErrNetwork, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.setOnline(true)
		return resp, nil
	}
	defer resp.Body.Close()

	statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	if resp.StatusCode >= 500 {
		c.setOnline(false)
		return nil, retry.Retryable(statusErr)
	}
	c.setOnline(true)
	return nil, statusErr
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var errResp protocol.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(data))
}

func decodePayloads(op string, r io.Reader) ([]protocol.FilePayload, error) {
	var payloads []protocol.FilePayload
	if err := json.NewDecoder(r).Decode(&payloads); err != nil {
		return nil, malformed(op, err)
	}
	if payloads == nil {
		payloads = []protocol.FilePayload{}
	}
	return payloads, nil
}

func unwrapRetry(err error) error {
	if r, ok := err.(retry.RetryableError); ok {
		return r.Err
	}
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// PartFileName returns the filename of an upload part exactly as sent.
// multipart.Part.FileName strips directories, but names are record keys
// here, never file paths.
func PartFileName(p *multipart.Part) string {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return p.FileName()
	}
	return params["filename"]
}
