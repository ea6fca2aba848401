package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fenivana/kasha/internal/model"
)

// callbackBackoff is the retry schedule of §4.5 step 8: an initial
// attempt plus up to 3 retries, waiting 1s, 4s and 16s before each retry.
var callbackBackoff = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

var callbackBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// CallbackSender POSTs render completion notifications to callback
// URLs, pooling connections the way the teacher's OpenAICompat provider
// pools its upstream client.
type CallbackSender struct {
	client *http.Client
	logger *slog.Logger
}

// NewCallbackSender creates a CallbackSender.
func NewCallbackSender(logger *slog.Logger) *CallbackSender {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &CallbackSender{
		client: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Send delivers the callback in the background, retrying per
// callbackBackoff. Callback failure never affects the primary response,
// so Send only logs terminal failures.
func (s *CallbackSender) Send(url string, key model.SnapshotKey, renderErr error) {
	payload := model.CallbackPayload{OK: renderErr == nil, Key: key}
	if renderErr != nil {
		if gwErr, ok := renderErr.(*model.GatewayError); ok {
			payload.ErrorKind = string(gwErr.Code)
		} else {
			payload.ErrorKind = string(model.ErrServerRenderError)
		}
	}

	go s.deliver(url, payload)
}

func (s *CallbackSender) deliver(url string, payload model.CallbackPayload) {
	buf := callbackBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer callbackBufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		s.logger.Error("encoding callback payload", "url", url, "error", err)
		return
	}
	body := append([]byte(nil), buf.Bytes()...)

	var lastErr error
	for attempt := 0; attempt <= len(callbackBackoff); attempt++ {
		if attempt > 0 {
			time.Sleep(callbackBackoff[attempt-1])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.post(ctx, url, body)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
	}

	s.logger.Warn("callback delivery exhausted retries", "url", url, "error", lastErr)
}

func (s *CallbackSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("callback endpoint returned status %d", e.status)
}
