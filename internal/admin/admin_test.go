package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postwell/internal/clock"
	"postwell/internal/eventbus"
	"postwell/internal/queue"
	"postwell/pkg/logx"
)

func newTestAPI(t *testing.T, token string) (queue.Store, *clock.Fake, http.Handler) {
	t.Helper()
	st := queue.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Config{Enabled: true, Token: token}, st, nil, nil, eventbus.New(), clk, logx.Nop())
	return st, clk, svc.routes(token)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateItem(t *testing.T) {
	st, _, h := newTestAPI(t, "")

	body := `{
		"channel_id": "@newsroom",
		"payload": {"kind": "text", "text": "release is out"},
		"priority": "high",
		"scheduled_at": "2026-03-02T09:00:00Z",
		"recurrence": {"frequency": "weekly", "interval": 1}
	}`
	rec := doJSON(t, h, http.MethodPost, "/api/items", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got itemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" || got.State != queue.StateScheduled || got.Priority != queue.PriorityHigh {
		t.Fatalf("response item: %+v", got.Item)
	}
	if !got.ScheduledAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("scheduled at %v", got.ScheduledAt)
	}

	stored, err := st.Get(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("stored item: %v", err)
	}
	if stored.Recurrence == nil || stored.Recurrence.Frequency != queue.FreqWeekly {
		t.Fatalf("stored recurrence: %+v", stored.Recurrence)
	}
}

func TestCreateItemValidation(t *testing.T) {
	_, _, h := newTestAPI(t, "")
	cases := []struct {
		name string
		body string
	}{
		{"missing channel", `{"payload":{"kind":"text","text":"x"}}`},
		{"empty text", `{"channel_id":"@c","payload":{"kind":"text","text":" "}}`},
		{"bad kind", `{"channel_id":"@c","payload":{"kind":"gif","text":"x"}}`},
		{"bad priority", `{"channel_id":"@c","payload":{"kind":"text","text":"x"},"priority":"asap"}`},
		{"bad timestamp", `{"channel_id":"@c","payload":{"kind":"text","text":"x"},"scheduled_at":"tomorrow"}`},
		{"zero interval", `{"channel_id":"@c","payload":{"kind":"text","text":"x"},"recurrence":{"frequency":"daily"}}`},
		{"both end conditions", `{"channel_id":"@c","payload":{"kind":"text","text":"x"},"recurrence":{"frequency":"daily","interval":1,"end_at":"2026-06-01T00:00:00Z","end_after_occurrences":2}}`},
		{"unknown field", `{"channel_id":"@c","payload":{"kind":"text","text":"x"},"surprise":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/items", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetItemWithAttempts(t *testing.T) {
	st, clk, h := newTestAPI(t, "")
	ctx := context.Background()

	it := queue.New("@c", queue.Payload{Kind: queue.PayloadText, Text: "x"},
		queue.PriorityNormal, clk.Now(), nil)
	if err := st.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.RecordAttempt(ctx, queue.Attempt{ItemID: it.ID, AttemptedAt: clk.Now(), Outcome: queue.OutcomeSuccess, ExternalMessageID: "77"}); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/items/"+it.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got itemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != it.ID || len(got.Attempts) != 1 || got.Attempts[0].ExternalMessageID != "77" {
		t.Fatalf("response: %+v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/items/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing item status = %d", rec.Code)
	}
}

func TestCancelItem(t *testing.T) {
	st, clk, h := newTestAPI(t, "")
	ctx := context.Background()

	pending := queue.New("@c", queue.Payload{Kind: queue.PayloadText, Text: "x"},
		queue.PriorityNormal, clk.Now().Add(time.Hour), nil)
	if err := st.Enqueue(ctx, pending); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := doJSON(t, h, http.MethodPost, "/api/items/"+pending.ID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel pending: %d %s", rec.Code, rec.Body.String())
	}
	var got itemResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.State != queue.StateCancelled {
		t.Fatalf("state = %s", got.State)
	}

	inflight := queue.New("@c", queue.Payload{Kind: queue.PayloadText, Text: "y"},
		queue.PriorityNormal, clk.Now().Add(-time.Minute), nil)
	if err := st.Enqueue(ctx, inflight); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.Claim(ctx, inflight.ID, clk.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/items/"+inflight.ID+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel publishing: %d", rec.Code)
	}

	// Cancelling twice hits the terminal guard.
	rec = doJSON(t, h, http.MethodPost, "/api/items/"+pending.ID+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: %d", rec.Code)
	}
}

func TestDueEndpoint(t *testing.T) {
	st, clk, h := newTestAPI(t, "")
	ctx := context.Background()

	low := queue.New("@c", queue.Payload{Kind: queue.PayloadText, Text: "low"},
		queue.PriorityLow, clk.Now().Add(-time.Hour), nil)
	urgent := queue.New("@c", queue.Payload{Kind: queue.PayloadText, Text: "urgent"},
		queue.PriorityUrgent, clk.Now().Add(-time.Minute), nil)
	for _, it := range []queue.Item{low, urgent} {
		if err := st.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/items/due", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Items []queue.Item `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].ID != urgent.ID {
		t.Fatalf("due order: %+v", got.Items)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/items/due?limit=0", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	_, _, h := newTestAPI(t, "sekrit")

	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/health", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/health", "", map[string]string{"Authorization": "Bearer sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("good token: %d", rec.Code)
	}
}
