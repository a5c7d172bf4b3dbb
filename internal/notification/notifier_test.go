package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleEvent() Event {
	return Event{
		OrderID:  "o-1",
		UserID:   "u-1",
		Symbol:   "ACB",
		Side:     "BUY",
		Type:     "LIMIT",
		Status:   "FILLED",
		Quantity: 100,
		Price:    "25.5",
		At:       time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC),
	}
}

type recorder struct {
	mu   sync.Mutex
	got  []Event
	err  error
	hold chan struct{}
}

func (r *recorder) Notify(ctx context.Context, ev Event) error {
	if r.hold != nil {
		<-r.hold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func TestEventTitle(t *testing.T) {
	assert.Equal(t, "FILLED BUY 100 ACB", sampleEvent().Title())
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	a := &recorder{err: errA}
	b := &recorder{}
	err := Multi{a, b}.Notify(context.Background(), sampleEvent())

	require.ErrorIs(t, err, errA)
	assert.Len(t, a.events(), 1)
	assert.Len(t, b.events(), 1, "a failing backend does not stop the others")
}

func TestAsyncDeliversInBackground(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 4, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	require.NoError(t, a.Notify(context.Background(), sampleEvent()))
	require.Eventually(t, func() bool { return len(rec.events()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	rec := &recorder{hold: make(chan struct{})}
	a := NewAsync(rec, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// First event is taken by Run and blocks in the backend; the second
	// fills the queue; the third is dropped.
	require.NoError(t, a.Notify(ctx, sampleEvent()))
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Notify(ctx, sampleEvent()))
	require.NoError(t, a.Notify(ctx, sampleEvent()))

	close(rec.hold)
	require.Eventually(t, func() bool { return len(rec.events()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.events(), 2)
}

func TestWebhookPostsJSON(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL).Notify(context.Background(), sampleEvent()))
	assert.Equal(t, "o-1", body["order_id"])
	assert.Equal(t, "FILLED", body["status"])
	assert.Equal(t, "FILLED BUY 100 ACB", body["title"])
	assert.Equal(t, float64(100), body["quantity"])
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTelegramSendsMarkdownMessage(t *testing.T) {
	var (
		path string
		body map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	ev := sampleEvent()
	ev.Reason = "limit crossed"
	require.NoError(t, n.Notify(context.Background(), ev))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "MarkdownV2", body["parse_mode"])
	assert.True(t, strings.HasPrefix(body["text"], "*FILLED BUY 100 ACB*"))
	assert.Contains(t, body["text"], "price 25\\.5")
	assert.Contains(t, body["text"], "order o\\-1")
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("bad", "42")
	n.baseURL = srv.URL
	assert.Error(t, n.Notify(context.Background(), sampleEvent()))
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\*c\.d\!`, escapeMarkdown("a_b*c.d!"))
	assert.Equal(t, "plain", escapeMarkdown("plain"))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "papertrade.orders.filled", Subject(sampleEvent()))
	assert.Equal(t, "papertrade.orders.cancelled", Subject(Event{Status: "CANCELLED"}))
}
