package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

// JSON-RPC methods served by a ledger node.
const (
	methodSubmit     = "ledger_submit"
	methodSimulate   = "ledger_simulate"
	methodGetObject  = "ledger_getObject"
	methodGetCoins   = "ledger_getCoins"
	methodGetReceipt = "ledger_getReceipt"
)

// JSON-RPC error codes with a fixed meaning.
const (
	codeNotFound = -32004
)

var (
	ErrObjectNotFound  = errors.New("ledger: object not found")
	ErrReceiptNotFound = errors.New("ledger: receipt not found")
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client is a JSON-RPC 2.0 ledger client.
type Client struct {
	endpoint     string
	http         *http.Client
	log          *slog.Logger
	pollInterval time.Duration
}

var _ interfaces.Ledger = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPollInterval sets how often WaitForReceipt asks
// for a pending receipt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a client for the node at endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          logging.Logger,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends a signed call for execution and returns
// its receipt. A failed execution is reported through
// the receipt, not the error.
func (c *Client) Submit(
	ctx context.Context,
	call model.SignedCall,
) (model.Receipt, error) {
	var receipt model.Receipt
	if err := c.call(ctx, methodSubmit, &receipt, call); err != nil {
		return model.Receipt{}, fmt.Errorf("submit %s: %w", call.Call.Target, err)
	}
	c.log.Debug("ledger call submitted",
		"target", call.Call.Target,
		"digest", receipt.Digest,
		"status", receipt.Status)
	return receipt, nil
}

// Simulate executes call read-only with sender as the
// transaction sender and returns its BCS return values.
func (c *Client) Simulate(
	ctx context.Context,
	call model.Call,
	sender model.Address,
) ([][]byte, error) {
	var result struct {
		Status       model.ReceiptStatus `json:"status"`
		Error        string              `json:"error"`
		ReturnValues [][]byte            `json:"returnValues"`
	}
	if err := c.call(ctx, methodSimulate, &result, call, sender); err != nil {
		return nil, fmt.Errorf("simulate %s: %w", call.Target, err)
	}
	if result.Status != model.StatusSuccess {
		return nil, fmt.Errorf(
			"simulate %s: %w: %s", call.Target, interfaces.ErrCallFailed, result.Error,
		)
	}
	return result.ReturnValues, nil
}

// GetObject reads the current state of an object.
func (c *Client) GetObject(
	ctx context.Context,
	id model.ObjectID,
) (model.Object, error) {
	var obj model.Object
	err := c.call(ctx, methodGetObject, &obj, id)
	if isNotFound(err) {
		return model.Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("get object %s: %w", id, err)
	}
	return obj, nil
}

// GetCoins lists the coins of coinType owned by owner.
func (c *Client) GetCoins(
	ctx context.Context,
	owner model.Address,
	coinType string,
) ([]model.Coin, error) {
	var coins []model.Coin
	if err := c.call(ctx, methodGetCoins, &coins, owner, coinType); err != nil {
		return nil, fmt.Errorf("get coins of %s: %w", owner, err)
	}
	return coins, nil
}

// WaitForReceipt polls until the receipt for digest is
// available or ctx ends.
func (c *Client) WaitForReceipt(
	ctx context.Context,
	digest model.Digest,
) (model.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var receipt model.Receipt
		err := c.call(ctx, methodGetReceipt, &receipt, digest)
		switch {
		case err == nil:
			return receipt, nil
		case !isNotFound(err):
			return model.Receipt{}, fmt.Errorf("wait for %s: %w", digest, err)
		}

		select {
		case <-ctx.Done():
			return model.Receipt{}, fmt.Errorf(
				"wait for %s: %w: %w", digest, ErrReceiptNotFound, ctx.Err(),
			)
		case <-ticker.C:
		}
	}
}

func isNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == codeNotFound
}

func (c *Client) call(
	ctx context.Context,
	method string,
	result any,
	params ...any,
) error {
	if params == nil {
		params = []any{}
	}
	reqID := xid.New().String()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != reqID {
		return fmt.Errorf("response id %q does not match request %q", rpcResp.ID, reqID)
	}
	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
