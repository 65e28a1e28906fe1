// Package dashboard delivers anonymized redaction events to the compliance
// endpoint. Delivery is always fire-and-forget: the redaction call that
// produced the events never waits on, and never observes, the outcome.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/inkdust2021/redactpii/internal/redact"
	"github.com/inkdust2021/redactpii/internal/version"
)

const (
	// DefaultAPIURL is the vendor event ingestion endpoint.
	DefaultAPIURL = "https://api.redactpii.com/v1/events"

	// DefaultTimeout bounds one delivery attempt end to end.
	DefaultTimeout = 500 * time.Millisecond

	sdkLanguage = "go"
)

// DeliveryError reports a failed delivery attempt: transport error, timeout,
// or a non-success response status. It carries no event content and no
// input text.
type DeliveryError struct {
	Status int // non-zero when the endpoint answered with a failure status
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("audit delivery failed: endpoint returned status %d", e.Status)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// payload is the wire format of one event batch.
type payload struct {
	SDKVersion  string         `json:"sdk_version"`
	SDKLanguage string         `json:"sdk_language"`
	Events      []redact.Event `json:"events"`
}

// Options configures a Client. Zero values fall back to defaults; an empty
// APIKey disables the client entirely.
type Options struct {
	APIKey     string
	APIURL     string
	FailSilent bool
	Timeout    time.Duration
	// OnError is the asynchronous side channel for delivery failures when
	// FailSilent is disabled. Called from the dispatch goroutine.
	OnError func(error)
}

// Client is an immutable dispatcher configuration. Safe for concurrent use;
// concurrent Dispatch calls are independent best-effort deliveries.
type Client struct {
	apiKey     string
	apiURL     string
	failSilent bool
	timeout    time.Duration
	httpc      *http.Client
	onError    func(error)
}

// New builds a Client. Returns a usable no-op client when no API key is
// configured, so call sites never need a nil check.
func New(opts Options) *Client {
	url := opts.APIURL
	if url == "" {
		url = DefaultAPIURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiURL:     url,
		failSilent: opts.FailSilent,
		timeout:    timeout,
		httpc:      &http.Client{},
		onError:    opts.OnError,
	}
}

// Enabled reports whether a credential is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Dispatch sends one event batch on a detached goroutine and returns
// immediately. No-op without a credential or with an empty batch.
//
// 失败处理：超时即放弃，绝不重试。fail-silent 模式下错误被完全吞掉；
// 否则通过 slog 与 OnError 异步旁路上报。无论哪种模式都不会把错误
// 抛回产生事件的那次 redact 调用。
func (c *Client) Dispatch(events []redact.Event) {
	if !c.Enabled() || len(events) == 0 {
		return
	}

	// 拷贝一份批次：调用方返回后可能复用底层数组。
	batch := make([]redact.Event, len(events))
	copy(batch, events)

	go func() {
		err := c.send(batch)
		if err == nil {
			return
		}
		if c.failSilent {
			return
		}
		slog.Error("redactpii: audit delivery failed", "error", err, "events", len(batch))
		if c.onError != nil {
			c.onError(err)
		}
	}()
}

// send performs one bounded delivery attempt.
func (c *Client) send(events []redact.Event) error {
	body, err := json.Marshal(payload{
		SDKVersion:  version.Version,
		SDKLanguage: sdkLanguage,
		Events:      events,
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &DeliveryError{Status: resp.StatusCode}
	}
	return nil
}
