package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
)

const (
	maxJSONBody     = 16 << 20
	maxDownloadBody = 256 << 20
	maxErrorMessage = 200
)

// ErrNotReady is returned by Preview while the backend answers 202. It is the only
// "still processing" signal; every other non-2xx status is a StatusError.
var ErrNotReady = errors.New("job still processing")

// ErrBodyTooLarge is returned when a successful response exceeds the size limit.
var ErrBodyTooLarge = errors.New("response body too large")

// StatusError reports an unexpected HTTP status from the backend.
type StatusError struct {
	Op   string
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Code, e.Msg)
}

// Client talks to the OCR backend over HTTP.
type Client struct {
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
	maxDownload int64
}

// New creates a Client for baseURL. Requests are traced through an otelhttp transport.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout:   timeout,
		Transport: obs.Transport(nil),
	})
}

// NewWithHTTPClient creates a Client that uses hc for all requests.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        hc,
		logger:      slog.Default().With("component", "backend"),
		maxDownload: maxDownloadBody,
	}
}

// Submit uploads one document as multipart field "file" and returns the issued handle.
func (c *Client) Submit(ctx context.Context, name string, data []byte, mimeType string) (job.Handle, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
	hdr.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	r, err := c.do(ctx, "submit", http.MethodPost, "/ocr", mw.FormDataContentType(), &buf, maxJSONBody)
	if err != nil {
		return "", err
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := decodeValidated(r.body, submitSchema, &resp); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	return job.Handle(resp.JobID), nil
}

// Preview fetches the extracted text. It returns ErrNotReady while the job is processing.
func (c *Client) Preview(ctx context.Context, h job.Handle) (string, error) {
	r, err := c.do(ctx, "preview", http.MethodGet, "/preview/"+url.PathEscape(string(h)), "", nil, maxJSONBody)
	if err != nil {
		return "", err
	}
	if r.code == http.StatusAccepted {
		return "", ErrNotReady
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := decodeValidated(r.body, previewSchema, &resp); err != nil {
		return "", fmt.Errorf("preview: %w", err)
	}
	return resp.Text, nil
}

// Outputs fetches the export artifact set. Both the list form {"outputs": ["txt"]}
// and the map form {"outputs": {"txt": "path"}} are accepted.
func (c *Client) Outputs(ctx context.Context, h job.Handle) (job.Formats, error) {
	r, err := c.do(ctx, "outputs", http.MethodGet, "/outputs/"+url.PathEscape(string(h)), "", nil, maxJSONBody)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := decodeValidated(r.body, outputsSchema, &resp); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}

	formats := make(job.Formats)
	var list []string
	if err := json.Unmarshal(resp.Outputs, &list); err == nil {
		for _, f := range list {
			formats[job.Format(f)] = ""
		}
		return formats, nil
	}
	var byFormat map[string]string
	if err := json.Unmarshal(resp.Outputs, &byFormat); err != nil {
		return nil, fmt.Errorf("outputs: decode: %w", err)
	}
	for f, loc := range byFormat {
		formats[job.Format(f)] = loc
	}
	return formats, nil
}

// Edit replaces the server copy of the text.
func (c *Client) Edit(ctx context.Context, h job.Handle, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode edit: %w", err)
	}
	_, err = c.do(ctx, "edit", http.MethodPut, "/edit/"+url.PathEscape(string(h)), "application/json", bytes.NewReader(payload), maxJSONBody)
	return err
}

// Download fetches a rendered artifact as an opaque byte blob.
func (c *Client) Download(ctx context.Context, h job.Handle, f job.Format) ([]byte, string, error) {
	path := "/download/" + url.PathEscape(string(h)) + "/" + url.PathEscape(string(f))
	r, err := c.do(ctx, "download", http.MethodGet, path, "", nil, c.maxDownload)
	if err != nil {
		return nil, "", err
	}
	return r.body, r.contentType, nil
}

type reply struct {
	body        []byte
	code        int
	contentType string
}

// do issues one request and returns the reply for a 2xx response. A 202 to a
// preview request comes back with an empty body. A 2xx body longer than limit
// is an error, never a truncated reply.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, limit int64) (reply, error) {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return reply{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		obs.RecordBackendRequest(op, start, "error")
		return reply{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		obs.RecordBackendRequest(op, start, "error")
		return reply{}, fmt.Errorf("%s: read body: %w", op, err)
	}
	tooLarge := int64(len(data)) > limit
	if tooLarge {
		data = data[:limit]
	}

	c.logger.DebugContext(ctx, "backend request",
		"op", op, "method", method, "path", path, "status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-ID"), "duration", time.Since(start))

	r := reply{body: data, code: resp.StatusCode, contentType: resp.Header.Get("Content-Type")}
	switch {
	case resp.StatusCode == http.StatusAccepted && op == "preview":
		obs.RecordBackendRequest(op, start, "not_ready")
		r.body = nil
		return r, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		obs.RecordBackendRequest(op, start, "error")
		return reply{}, &StatusError{Op: op, Code: resp.StatusCode, Msg: errorMessage(data)}
	case tooLarge:
		obs.RecordBackendRequest(op, start, "error")
		return reply{}, fmt.Errorf("%s: %w: more than %d bytes", op, ErrBodyTooLarge, limit)
	}
	obs.RecordBackendRequest(op, start, "ok")
	return r, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	return req, nil
}

// errorMessage extracts {"error": ...} or {"detail": ...} from a failure body,
// falling back to the trimmed raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

func decodeValidated(body []byte, schema *jsonschema.Schema, dst any) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("unexpected response shape: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
