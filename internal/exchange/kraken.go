// Package exchange implements the Kraken client: REST for history,
// balances and orders, WebSocket for live ticker and candle streams.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	rateLimitDelay   = 1 * time.Second // minimum spacing between REST calls
	requestQueueSize = 64
	maxRetries       = 3
)

// requestJob is a queued REST call
type requestJob struct {
	path     string
	values   url.Values
	private  bool
	resultCh chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// Client is the Kraken REST client. All requests flow through a single
// worker that enforces request spacing, so callers can fire concurrently.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger

	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
	once         sync.Once

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewClient creates a Kraken REST client. Credentials may be empty in
// paper mode; private endpoints then fail with a permanent error.
func NewClient(baseURL, apiKey, apiSecret string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log.With().Str("component", "exchange").Logger(),
		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	go c.worker()
	return c
}

// Close drains the request queue and stops the worker
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.stopChan)
		close(c.requestQueue)
		<-c.workerDone
	})
}

// public issues a rate-limited GET against a public endpoint
func (c *Client) public(endpoint string, values url.Values) (json.RawMessage, error) {
	return c.enqueue("/0/public/"+endpoint, values, false)
}

// private issues a rate-limited signed POST against a private endpoint
func (c *Client) private(endpoint string, values url.Values) (json.RawMessage, error) {
	return c.enqueue("/0/private/"+endpoint, values, true)
}

func (c *Client) enqueue(path string, values url.Values, private bool) (json.RawMessage, error) {
	resultCh := make(chan requestResult, 1)
	job := requestJob{path: path, values: values, private: private, resultCh: resultCh}

	select {
	case c.requestQueue <- job:
	case <-c.stopChan:
		return nil, fmt.Errorf("exchange client is closed")
	default:
		return nil, fmt.Errorf("exchange request queue is full")
	}

	result := <-resultCh
	return result.data, result.err
}

// worker processes requests sequentially with rate limiting
func (c *Client) worker() {
	defer close(c.workerDone)

	var lastRequestTime time.Time
	firstRequest := true

	processJob := func(job requestJob) {
		if !firstRequest {
			elapsed := time.Since(lastRequestTime)
			if elapsed < rateLimitDelay {
				time.Sleep(rateLimitDelay - elapsed)
			}
		}
		firstRequest = false

		var result requestResult
		result.data, result.err = c.doWithRetry(job.path, job.values, job.private)
		lastRequestTime = time.Now()
		job.resultCh <- result
	}

	for {
		select {
		case <-c.stopChan:
			for {
				select {
				case job, ok := <-c.requestQueue:
					if !ok {
						return
					}
					processJob(job)
				default:
					return
				}
			}
		case job, ok := <-c.requestQueue:
			if !ok {
				return
			}
			processJob(job)
		}
	}
}

// doWithRetry retries transient failures with exponential backoff.
// Permanent errors return immediately.
func (c *Client) doWithRetry(path string, values url.Values, private bool) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.log.Warn().
				Str("path", path).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying exchange request")
			select {
			case <-time.After(delay):
			case <-c.stopChan:
				return nil, fmt.Errorf("exchange client is closed")
			}
		}

		data, err := c.do(path, values, private)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if apiErr, ok := err.(*APIError); ok && !apiErr.Transient {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(path string, values url.Values, private bool) (json.RawMessage, error) {
	var req *http.Request
	var err error

	if private {
		if c.apiKey == "" || c.apiSecret == "" {
			return nil, &APIError{Code: "EAPI:Invalid key", Message: "missing credentials", Transient: false}
		}
		if values == nil {
			values = url.Values{}
		}
		nonce := c.nextNonce()
		values.Set("nonce", nonce)
		body := values.Encode()

		signature, sigErr := Sign(c.apiSecret, path, nonce, body)
		if sigErr != nil {
			return nil, fmt.Errorf("failed to sign request: %w", sigErr)
		}

		req, err = http.NewRequest(http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.apiKey)
		req.Header.Set("API-Sign", signature)
	} else {
		u := c.baseURL + path
		if len(values) > 0 {
			u += "?" + values.Encode()
		}
		req, err = http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: "network", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Code:      fmt.Sprintf("http %d", resp.StatusCode),
			Message:   truncate(string(body), 200),
			Transient: transientHTTP(resp.StatusCode),
		}
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return nil, classifyError(envelope.Error[0])
	}
	return envelope.Result, nil
}

// nextNonce returns a strictly increasing millisecond nonce. Kraken
// rejects any nonce at or below the last one it saw for the key.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// Sign computes the API-Sign header value:
// HMAC-SHA512(urlpath || SHA256(nonce || body)) keyed with the
// base64-decoded secret, base64-encoded.
func Sign(secret, urlPath, nonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid API secret: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(urlPath))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
