// Package notify delivers out-of-band alerts through the Telegram bot
// API. Sends are asynchronous: messages queue onto a bounded channel
// drained by one worker, and delivery failures are logged, never
// raised back to the caller.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/config"
)

const (
	defaultBaseURL  = "https://api.telegram.org"
	maxMessageBytes = 4096 // chat protocol message ceiling
	queueSize       = 64
)

// Notifier is the notification sink. Construction with missing
// credentials yields a disabled sink whose emitters are no-ops.
type Notifier struct {
	baseURL string
	token   string
	chatID  string
	gates   config.Notifications
	enabled bool

	httpClient *http.Client
	log        zerolog.Logger

	queue      chan string
	stopChan   chan struct{}
	workerDone chan struct{}
	once       sync.Once
}

// New creates the notification sink and starts its delivery worker.
// An empty baseURL selects the public Telegram endpoint.
func New(baseURL string, gates config.Notifications, token, chatID string, log zerolog.Logger) *Notifier {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	n := &Notifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		chatID:     chatID,
		gates:      gates,
		enabled:    gates.Enabled && token != "" && chatID != "",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "notify").Logger(),
		queue:      make(chan string, queueSize),
		stopChan:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go n.worker()
	return n
}

// Enabled reports whether the sink will actually deliver anything.
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// Send queues a message for delivery. It never blocks; when the queue
// is full the message is dropped and logged.
func (n *Notifier) Send(text string) {
	if !n.enabled || text == "" {
		return
	}
	select {
	case n.queue <- truncate(text):
	case <-n.stopChan:
	default:
		n.log.Warn().Int("queued", len(n.queue)).Msg("notification queue full, dropping message")
	}
}

// Close drains queued messages and stops the worker.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.stopChan)
		close(n.queue)
		<-n.workerDone
	})
}

func (n *Notifier) worker() {
	defer close(n.workerDone)

	deliver := func(text string) {
		if err := n.post(text); err != nil {
			n.log.Warn().Err(err).Msg("notification delivery failed")
		}
	}

	for {
		select {
		case <-n.stopChan:
			for {
				select {
				case text, ok := <-n.queue:
					if !ok {
						return
					}
					deliver(text)
				default:
					return
				}
			}
		case text, ok := <-n.queue:
			if !ok {
				return
			}
			deliver(text)
		}
	}
}

func (n *Notifier) post(text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	resp, err := n.httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode)
	}
	return nil
}

// truncate cuts at the message ceiling without splitting a rune
func truncate(s string) string {
	if len(s) <= maxMessageBytes {
		return s
	}
	cut := maxMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
