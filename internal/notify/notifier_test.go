package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/domain"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p map[string]string
		_ = json.NewDecoder(r.Body).Decode(&p)
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}
}

func (c *capture) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	for i, p := range c.payloads {
		out[i] = p["text"]
	}
	return out
}

func allGates() config.Notifications {
	return config.Notifications{
		Enabled:                    true,
		TradeExecuted:              true,
		StopTriggered:              true,
		CandidateCreated:           true,
		CandidateCanceled:          true,
		CandidatePromoted:          true,
		StrategyDeployed:           true,
		RollbackAlert:              true,
		SystemError:                true,
		WebsocketFailed:            true,
		SystemOnline:               true,
		OrchestratorCycleStarted:   true,
		OrchestratorCycleCompleted: true,
		DailySummary:               true,
		WeeklyReport:               true,
	}
}

func TestSendDeliversAndCloseDrains(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, allGates(), "bot-token", "chat-42", zerolog.Nop())
	n.Send("first")
	n.Send("second")
	n.Send("third")
	n.Close()

	texts := cap.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, []string{"first", "second", "third"}, texts)

	cap.mu.Lock()
	assert.Equal(t, "chat-42", cap.payloads[0]["chat_id"])
	cap.mu.Unlock()
}

func TestDisabledWithoutCredentials(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, allGates(), "", "", zerolog.Nop())
	assert.False(t, n.Enabled())
	n.Send("should not go out")
	n.Close()
	assert.Empty(t, cap.texts())
}

func TestDisabledByMasterGate(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	gates := allGates()
	gates.Enabled = false
	n := New(srv.URL, gates, "tok", "chat", zerolog.Nop())
	n.Send("nope")
	n.Close()
	assert.Empty(t, cap.texts())
}

func TestTruncatesAtProtocolCeiling(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, allGates(), "tok", "chat", zerolog.Nop())
	n.Send(strings.Repeat("x", maxMessageBytes+500))
	n.Close()

	texts := cap.texts()
	require.Len(t, texts, 1)
	assert.Len(t, texts[0], maxMessageBytes)
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("é", maxMessageBytes) // 2 bytes per rune
	out := truncate(long)
	assert.LessOrEqual(t, len(out), maxMessageBytes)
	assert.True(t, strings.HasSuffix(out, "é"))
	for _, r := range out {
		assert.Equal(t, 'é', r)
	}
}

func TestDeliveryFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, allGates(), "tok", "chat", zerolog.Nop())
	n.Send("doomed")
	n.Close()
}

func TestEmittersRespectGates(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	gates := allGates()
	gates.TradeExecuted = false
	n := New(srv.URL, gates, "tok", "chat", zerolog.Nop())

	n.TradeExecuted(&domain.TradeResult{Symbol: "BTC/USD", Action: domain.ActionBuy, Qty: 1, FillPrice: 100})
	n.CandidatePromoted(2, 7)
	n.Close()

	texts := cap.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "v7 promoted from slot 2")
}

func TestTradeEmitterFormatsFill(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	n := New(srv.URL, allGates(), "tok", "chat", zerolog.Nop())
	n.TradeExecuted(&domain.TradeResult{
		Symbol:      "BTC/USD",
		Action:      domain.ActionClose,
		Qty:         0.019990,
		FillPrice:   50974.5,
		Fee:         0.2035,
		Closed:      true,
		RealizedPnL: 0.551,
	})
	n.StopTriggered(&domain.Trade{
		Symbol:      "ETH/USD",
		Qty:         0.5,
		ExitPrice:   2850,
		PnL:         -12.5,
		CloseReason: domain.CloseReasonStopLoss,
	})
	n.CycleCompleted("cyc-1", "NO_CHANGE", 154000, 1.2345, 95*time.Second)
	n.Close()

	texts := cap.texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "CLOSE BTC/USD")
	assert.Contains(t, texts[0], "+0.55 USD")
	assert.Contains(t, texts[1], "stop_loss hit on ETH/USD")
	assert.Contains(t, texts[1], "-12.50 USD")
	assert.Contains(t, texts[2], "Decision: NO_CHANGE")
	assert.Contains(t, texts[2], "Tokens: 154000")
}
