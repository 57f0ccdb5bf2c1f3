package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a backend body is read.
const maxResponseBytes = 1 << 20

// HTTPClient talks to the scan backend over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient returns a client for the backend rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("scanner"),
	}
}

// Scan uploads img as the "file" part of a multipart form and decodes the
// backend verdict. Exactly one request is issued; failures are not retried.
func (c *HTTPClient) Scan(ctx context.Context, img Image) (*MedicineRecord, error) {
	if len(img.Data) == 0 {
		return nil, ErrNoFile
	}

	body, contentType, err := encodeUpload(img)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ScanPath, body)
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("scan request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: "read", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Op:         "post",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body: %s", truncate(payload, 256)),
		}
	}

	var decoded scanResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &TransportError{Op: "decode", StatusCode: resp.StatusCode, Err: err}
	}

	if decoded.Status != StatusSuccess {
		c.logger.Info("scan rejected by backend",
			zap.String("status", decoded.Status),
			zap.String("message", decoded.Message))
		return nil, &BusinessError{Status: decoded.Status, Message: decoded.Message}
	}
	if decoded.Medicine == nil {
		return nil, &TransportError{Op: "decode", StatusCode: resp.StatusCode, Err: errors.New("success response without medicine")}
	}

	c.logger.Debug("scan succeeded",
		zap.String("medicine", decoded.Medicine.Name),
		zap.Duration("elapsed", time.Since(start)))
	return decoded.Medicine, nil
}

// Ping checks that the backend root answers with a 2xx status.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Op: "ping", StatusCode: resp.StatusCode, Err: errors.New("backend not ready")}
	}
	return nil
}

func encodeUpload(img Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := img.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(FileField), escapeQuotes(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// escapeQuotes quotes a Content-Disposition parameter the way
// mime/multipart does.
func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
