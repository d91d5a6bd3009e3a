package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"postwell/pkg/logx"
)

// HTTPSink POSTs records as JSON to a collector endpoint.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPSink(endpoint, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Emit(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analytics sink: %s", resp.Status)
	}
	return nil
}

// LogSink writes records to the structured log. It is the default when no
// endpoint is configured.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, r Record) error {
	s.log.Info("publish outcome",
		logx.String("event", r.Event),
		logx.String("item", r.ItemID),
		logx.String("channel", r.ChannelID),
		logx.String("priority", r.Priority),
		logx.Int("attempt", r.Attempt),
		logx.String("external_id", r.ExternalID),
		logx.String("error", r.Error),
		logx.Time("at", r.At))
	return nil
}
