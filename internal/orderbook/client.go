package orderbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrDuplicateOrder means the order-book already knows the order. Callers
// treat it as a successful, idempotent re-submit.
var ErrDuplicateOrder = errors.New("orderbook: duplicate order")

// RejectionError is a non-duplicate order-book rejection. The order stays in
// the registry and becomes eligible again next block.
type RejectionError struct {
	StatusCode  int
	ErrorType   string
	Description string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("orderbook rejected order (%d %s): %s", e.StatusCode, e.ErrorType, e.Description)
}

// Submission is a discrete order plus everything the order-book needs to
// accept it.
type Submission struct {
	Order         *Order
	Owner         common.Address
	Signature     hexutil.Bytes
	SigningScheme string
}

// Submitter is the narrow order-book contract the poller consumes.
type Submitter interface {
	SubmitOrder(ctx context.Context, sub Submission) error
}

// Client submits orders to the order-book HTTP API. Transient failures are
// retried with exponential backoff; a duplicate rejection surfaces as
// ErrDuplicateOrder.
type Client struct {
	baseURL string
	http    *http.Client
	retry   *chain.RetryConfig
	log     *logger.Logger
}

// Compile-time checks.
var (
	_ Submitter = (*Client)(nil)
	_ Submitter = (*DryRunSubmitter)(nil)
)

// NewClient builds an order-book client for the API at baseURL.
func NewClient(baseURL string, retry *chain.RetryConfig, log *logger.Logger) *Client {
	if retry == nil {
		retry = chain.DefaultRetryConfig()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry,
		log:     log.WithComponent("orderbook"),
	}
}

// orderWire is the JSON body of POST /api/v1/orders. Amounts travel as
// decimal strings.
type orderWire struct {
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        string         `json:"sellAmount"`
	BuyAmount         string         `json:"buyAmount"`
	ValidTo           uint32         `json:"validTo"`
	AppData           common.Hash    `json:"appData"`
	FeeAmount         string         `json:"feeAmount"`
	Kind              string         `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`
	SigningScheme     string         `json:"signingScheme"`
	Signature         hexutil.Bytes  `json:"signature"`
	From              common.Address `json:"from"`
}

type errorWire struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

// SubmitOrder posts the order. nil means accepted; ErrDuplicateOrder means
// the order-book already has it.
func (c *Client) SubmitOrder(ctx context.Context, sub Submission) error {
	body, err := json.Marshal(orderWire{
		SellToken:         sub.Order.SellToken,
		BuyToken:          sub.Order.BuyToken,
		Receiver:          sub.Order.Receiver,
		SellAmount:        sub.Order.SellAmount.String(),
		BuyAmount:         sub.Order.BuyAmount.String(),
		ValidTo:           sub.Order.ValidTo,
		AppData:           sub.Order.AppData,
		FeeAmount:         sub.Order.FeeAmount.String(),
		Kind:              string(sub.Order.Kind),
		PartiallyFillable: sub.Order.PartiallyFillable,
		SellTokenBalance:  string(sub.Order.SellTokenBalance),
		BuyTokenBalance:   string(sub.Order.BuyTokenBalance),
		SigningScheme:     sub.SigningScheme,
		Signature:         sub.Signature,
		From:              sub.Owner,
	})
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.post(ctx, body)
		if err == nil || errors.Is(err, ErrDuplicateOrder) {
			return err
		}

		var rejection *RejectionError
		if errors.As(err, &rejection) {
			// the order-book said no; retrying the same payload will not help
			return err
		}

		lastErr = err
		if attempt >= c.retry.MaxAttempts {
			break
		}

		backoff := chain.Backoff(attempt+1, c.retry)
		c.log.Debugw("retrying order submission",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("order submission failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var apiErr errorWire
	_ = json.Unmarshal(raw, &apiErr)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && isDuplicate(apiErr, raw) {
		return ErrDuplicateOrder
	}

	if resp.StatusCode >= 500 {
		// server-side trouble is worth a retry
		return fmt.Errorf("orderbook returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	return &RejectionError{
		StatusCode:  resp.StatusCode,
		ErrorType:   apiErr.ErrorType,
		Description: apiErr.Description,
	}
}

func isDuplicate(apiErr errorWire, raw []byte) bool {
	if strings.EqualFold(apiErr.ErrorType, "DuplicatedOrder") {
		return true
	}
	return bytes.Contains(bytes.ToLower(raw), []byte("duplicate"))
}

// DryRunSubmitter logs would-be submissions without calling the order-book.
type DryRunSubmitter struct {
	log *logger.Logger
}

// NewDryRunSubmitter builds the --dry-run submitter.
func NewDryRunSubmitter(log *logger.Logger) *DryRunSubmitter {
	return &DryRunSubmitter{log: log.WithComponent("orderbook-dry-run")}
}

// SubmitOrder logs the order and reports success.
func (s *DryRunSubmitter) SubmitOrder(_ context.Context, sub Submission) error {
	s.log.Infow("dry run: would submit order",
		"uid", sub.Order.UID(sub.Owner).String(),
		"owner", sub.Owner.Hex(),
		"sell_token", sub.Order.SellToken.Hex(),
		"buy_token", sub.Order.BuyToken.Hex(),
	)
	return nil
}
