package esplorasource

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout is the timeout of a single request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries of a failed request.
	DefaultMaxRetries = 3

	// DefaultRequestsPerSecond bounds the request rate against the API.
	DefaultRequestsPerSecond = 10

	// chainPageSize is the number of confirmed transactions the API
	// returns per address page.
	chainPageSize = 25
)

// ErrClientShutdown is returned when the client has been shut down.
var ErrClientShutdown = errors.New("esplora client has been shut down")

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API, for example
	// https://blockstream.info/testnet/api.
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// RequestsPerSecond limits the rate of requests. Zero disables the
	// limit.
	RequestsPerSecond float64
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
}

// FeeEstimates maps confirmation targets to fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg ClientConfig

	httpClient *http.Client
	limiter    *rate.Limiter

	quit chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond) + 1
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		quit:    make(chan struct{}),
	}
}

// Close aborts all requests in flight and refuses new ones.
func (c *Client) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// statusError is a non 200 reply of the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

// doRequest performs an HTTP request with retries. Transport failures are
// retried with a linear backoff, replies are returned as they are.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	ctx, cancel := context.WithCancel(ctx)
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
		}
	}()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			case <-ctx.Done():
				return nil, c.ctxErr(ctx)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.ctxErr(ctx)
		}

		req, err := http.NewRequestWithContext(
			ctx, method, url, bytes.NewReader(body),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Debugf("Request %s %s failed: %v", method, path, err)
			continue
		}

		// The body outlives this call, so the context must too.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		handedOff = true

		return resp, nil
	}

	return nil, fmt.Errorf("%w: request failed after %d attempts: %v",
		chainsource.ErrAdapterConnection, c.cfg.MaxRetries+1, lastErr)
}

// ctxErr maps a done context to the error reported to callers.
func (c *Client) ctxErr(ctx context.Context) error {
	select {
	case <-c.quit:
		return ErrClientShutdown
	default:
		return ctx.Err()
	}
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{
			code: resp.StatusCode,
			body: strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}

// getJSON performs a GET request and decodes the JSON reply into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return int32(height), nil
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (*chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}

// GetBlockHashByHeight fetches the block hash at a given height.
func (c *Client) GetBlockHashByHeight(ctx context.Context,
	height int32) (*chainhash.Hash, error) {

	body, err := c.doGet(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}

// GetBlockTxIDs fetches the ids of the transactions of a block in block
// order.
func (c *Client) GetBlockTxIDs(ctx context.Context,
	blockHash string) ([]string, error) {

	var txids []string
	err := c.getJSON(ctx, "/block/"+blockHash+"/txids", &txids)
	if err != nil {
		return nil, err
	}

	return txids, nil
}

// GetRawTransaction fetches and deserializes a transaction.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid string) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

// GetAddressTxs fetches the confirmed transactions of an address, newest
// first, down to minHeight. Pages are followed until the API runs out of
// transactions or the oldest one seen is below minHeight.
func (c *Client) GetAddressTxs(ctx context.Context, address string,
	minHeight int32) ([]TxInfo, error) {

	var txs []TxInfo
	path := "/address/" + address + "/txs/chain"
	for {
		var page []TxInfo
		if err := c.getJSON(ctx, path, &page); err != nil {
			return nil, err
		}
		txs = append(txs, page...)

		if len(page) < chainPageSize {
			return txs, nil
		}

		last := page[len(page)-1]
		if last.Status.BlockHeight < int64(minHeight) {
			return txs, nil
		}

		path = "/address/" + address + "/txs/chain/" + last.TxID
	}
}

// GetAddressMempoolTxs fetches the unconfirmed transactions of an address.
func (c *Client) GetAddressMempoolTxs(ctx context.Context,
	address string) ([]TxInfo, error) {

	var txs []TxInfo
	err := c.getJSON(ctx, "/address/"+address+"/txs/mempool", &txs)
	if err != nil {
		return nil, err
	}

	return txs, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTx broadcasts a transaction. A reply other than 200 means the
// transaction was refused and is reported as
// chainsource.ErrAdapterRejection.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}
	txHex := hex.EncodeToString(buf.Bytes())

	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v",
			chainsource.ErrAdapterConnection, err)
	}

	reply := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", chainsource.ErrAdapterRejection,
			reply)
	}

	return chainhash.NewHashFromStr(reply)
}
