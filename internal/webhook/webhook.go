package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ocrgate/ocrgate/internal/obs"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body posted for a workflow outcome.
type Payload struct {
	JobID   string    `json:"job_id"`
	Event   string    `json:"event"`
	State   string    `json:"state"`
	Formats []string  `json:"formats,omitempty"`
	Format  string    `json:"format,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier posts payloads to one callback URL in the background.
type Notifier struct {
	url      string
	client   *http.Client
	attempts int
	base     time.Duration
	// allowPrivate skips the private address check; only tests set it.
	allowPrivate bool
	wg           sync.WaitGroup
}

// New validates callbackURL and returns a Notifier for it.
func New(callbackURL string) (*Notifier, error) {
	n := &Notifier{
		url:      callbackURL,
		client:   &http.Client{Timeout: 30 * time.Second, Transport: obs.Transport(nil)},
		attempts: retryAttempts,
		base:     retryBase,
	}
	if err := n.validateURL(); err != nil {
		return nil, err
	}
	return n, nil
}

// Notify dispatches p asynchronously with up to 8 attempts and full-jitter
// exponential backoff (cap 5 min). Retries stop when ctx is done.
func (n *Notifier) Notify(ctx context.Context, p Payload) {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("webhook: encode payload", "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, body)
	}()
}

// Wait blocks until every pending notification has been delivered or abandoned.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func (n *Notifier) validateURL() error {
	u, err := url.Parse(n.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if n.allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(ctx context.Context, body []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, body)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, "error", err)
		if attempt < n.attempts {
			t := time.NewTimer(jitter(n.base, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", n.url)
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	if exp > retryCap || exp <= 0 {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
