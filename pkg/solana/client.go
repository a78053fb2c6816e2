package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RetryConfig bounds how often a transient failure is retried within one call.
type RetryConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Observer is notified once per attempted call.
type Observer func(method string, duration time.Duration, err error)

type Client struct {
	endpoint   string
	httpClient *http.Client

	// Request tracking
	inflightRequests map[int64]struct{}
	requestIDCounter int64
	requestMu        sync.RWMutex

	// Configuration
	timeout  time.Duration
	retry    RetryConfig
	observer Observer
}

// NewClient creates a new Solana RPC client
func NewClient(endpoint string, timeout time.Duration, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		endpoint:         endpoint,
		httpClient:       &http.Client{},
		inflightRequests: make(map[int64]struct{}),
		timeout:          timeout,
		retry: RetryConfig{
			MaxRetries:   maxRetries,
			RetryBackoff: 500 * time.Millisecond,
		},
	}
}

// SetRetryConfig overrides the retry policy.
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c.retry = cfg
}

// SetObserver installs a hook called after every attempt.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// Call makes an HTTP RPC request, retrying transient failures with
// exponential backoff. Every error returned is a *Error.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	var lastErr *Error
	backoff := c.retry.RetryBackoff

	for retry := 0; retry <= c.retry.MaxRetries; retry++ {
		if retry > 0 {
			select {
			case <-ctx.Done():
				return &Error{Method: method, Kind: KindTimeout, Err: ctx.Err()}
			case <-time.After(backoff):
				backoff *= 2 // exponential backoff
			}
		}

		err := c.attempt(ctx, method, params, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !err.Transient() || ctx.Err() != nil {
			return err
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, method string, params []interface{}, result interface{}) (rerr *Error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			var err error
			if rerr != nil {
				err = rerr
			}
			c.observer(method, time.Since(start), err)
		}
	}()

	requestID := c.trackRequest()
	defer c.untrackRequest(requestID)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	request := RPCRequest{
		Jsonrpc: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  params,
	}

	response, err := c.doRequest(ctx, request)
	if err != nil {
		err.Method = method
		return err
	}

	if response.Error != nil {
		return &Error{Method: method, Kind: KindNodeRejected, Code: response.Error.Code, Err: response.Error}
	}

	if result != nil {
		if len(response.Result) == 0 {
			return &Error{Method: method, Kind: KindMalformed, Err: errors.New("empty result")}
		}
		if err := json.Unmarshal(response.Result, result); err != nil {
			return &Error{Method: method, Kind: KindMalformed, Err: fmt.Errorf("unmarshal result: %w", err)}
		}
	}

	return nil
}

// Helper methods for request tracking
func (c *Client) trackRequest() int64 {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.requestIDCounter++
	id := c.requestIDCounter
	c.inflightRequests[id] = struct{}{}
	return id
}

func (c *Client) untrackRequest(id int64) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	delete(c.inflightRequests, id)
}

// GetInflightRequests returns the number of requests currently on the wire.
func (c *Client) GetInflightRequests() int {
	c.requestMu.RLock()
	defer c.requestMu.RUnlock()
	return len(c.inflightRequests)
}

func (c *Client) doRequest(ctx context.Context, request RPCRequest) (*RPCResponse, *Error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("do request: %w", ctx.Err())}
		}
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindNodeRejected, Code: resp.StatusCode, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("decode response: %w", ctx.Err())}
		}
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}

	return &rpcResp, nil
}
