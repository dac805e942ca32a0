package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ksi-run/ksid/internal/httpkit"
)

// Usage reports token accounting for one provider call, persisted to
// the usage ledger after every completion.
type Usage struct {
	PromptTokens int
	ReplyTokens  int
	CostCents    float64
}

// Reply is a successful provider response.
type Reply struct {
	Data  map[string]any
	Usage Usage
}

// Caller makes one model-provider call. The concrete adapter (CLI
// subprocess wrapper, hosted API client, etc.) is an external
// collaborator; this package only needs the boundary it calls through.
type Caller interface {
	Call(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error)
}

// RetryableError marks a failure as transport/5xx-equivalent, eligible
// for the retry-with-backoff policy. Application errors (anything
// else) are not retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// HTTPCaller is the default Caller: it POSTs a provider/model/messages
// envelope to a per-provider base URL and expects a JSON
// {reply, usage} response. Providers reachable this way (local
// inference servers exposing an HTTP completion endpoint) use this
// directly; anything more specialized implements Caller itself.
type HTTPCaller struct {
	client    *http.Client
	endpoints map[string]string // provider name -> base URL
}

// NewHTTPCaller builds an HTTPCaller using httpkit's retrying,
// User-Agent-tagged transport.
func NewHTTPCaller(endpoints map[string]string, opts ...httpkit.ClientOption) *HTTPCaller {
	return &HTTPCaller{
		client:    httpkit.NewClient(opts...),
		endpoints: endpoints,
	}
}

type httpCallerRequest struct {
	Model    string           `json:"model"`
	Messages []map[string]any `json:"messages"`
}

type httpCallerResponse struct {
	Reply map[string]any `json:"reply"`
	Usage struct {
		PromptTokens int     `json:"prompt_tokens"`
		ReplyTokens  int     `json:"reply_tokens"`
		CostCents    float64 `json:"cost_cents"`
	} `json:"usage"`
}

func (c *HTTPCaller) Call(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error) {
	base, ok := c.endpoints[provider]
	if !ok {
		return Reply{}, fmt.Errorf("no endpoint configured for provider %q", provider)
	}

	body, err := json.Marshal(httpCallerRequest{Model: model, Messages: messages})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, &RetryableError{Err: fmt.Errorf("call provider %s: %w", provider, err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode >= 500 {
		msg := httpkit.ReadErrorBody(resp.Body, 4<<10)
		return Reply{}, &RetryableError{Err: fmt.Errorf("provider %s returned %d: %s", provider, resp.StatusCode, msg)}
	}
	if resp.StatusCode >= 400 {
		msg := httpkit.ReadErrorBody(resp.Body, 4<<10)
		return Reply{}, fmt.Errorf("provider %s returned %d: %s", provider, resp.StatusCode, msg)
	}

	var out httpCallerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("decode provider response: %w", err)
	}

	return Reply{
		Data: out.Reply,
		Usage: Usage{
			PromptTokens: out.Usage.PromptTokens,
			ReplyTokens:  out.Usage.ReplyTokens,
			CostCents:    out.Usage.CostCents,
		},
	}, nil
}
