package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Settlement service JSON-RPC error codes mapped to the package sentinels.
const (
	codeRejected          = -32001
	codeInsufficientFunds = -32002
	codeAlreadyReleased   = -32003
	codeNotFunded         = -32004
)

// Client implements Gateway against the settlement service's JSON-RPC
// endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// ClientConfig captures the knobs for constructing a Client.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// NewClient builds a JSON-RPC gateway client with a bounded request timeout.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimSpace(cfg.BaseURL),
		authToken: strings.TrimSpace(cfg.AuthToken),
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type createEscrowResult struct {
	ContractRef string `json:"contractRef"`
	TxRef       string `json:"txRef"`
}

type txRefResult struct {
	TxRef string `json:"txRef"`
}

type releaseResult struct {
	TxRef          string `json:"txRef"`
	ReleasedAmount string `json:"releasedAmount"`
}

type contractStateResult struct {
	ContractRef string `json:"contractRef"`
	Balance     string `json:"balance"`
	Milestones  []struct {
		Index    int    `json:"index"`
		Status   string `json:"status"`
		Amount   string `json:"amount"`
		Released bool   `json:"released"`
	} `json:"milestones"`
}

// CreateEscrow deploys an escrow contract for the project.
func (c *Client) CreateEscrow(ctx context.Context, projectID, freelancerRef string, milestoneAmounts []*big.Int) (*CreateResult, error) {
	amounts := make([]string, len(milestoneAmounts))
	for i, amt := range milestoneAmounts {
		if amt == nil {
			return nil, fmt.Errorf("%w: milestone amount %d is nil", ErrRejected, i)
		}
		amounts[i] = amt.String()
	}
	payload := map[string]interface{}{
		"projectId":  projectID,
		"freelancer": freelancerRef,
		"milestones": amounts,
	}
	var result createEscrowResult
	if err := c.call(ctx, "escrow_create", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.ContractRef) == "" {
		return nil, fmt.Errorf("%w: create returned empty contract ref", ErrUnavailable)
	}
	return &CreateResult{ContractRef: result.ContractRef, TxRef: result.TxRef}, nil
}

// Fund deposits the total amount into the contract.
func (c *Client) Fund(ctx context.Context, contractRef string, totalAmount *big.Int) (*FundResult, error) {
	if totalAmount == nil {
		return nil, fmt.Errorf("%w: fund amount is nil", ErrRejected)
	}
	payload := map[string]interface{}{
		"contractRef": contractRef,
		"amount":      totalAmount.String(),
	}
	var result txRefResult
	if err := c.call(ctx, "escrow_fund", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &FundResult{TxRef: result.TxRef}, nil
}

// SubmitMilestoneProof records the deliverable hash against the milestone.
func (c *Client) SubmitMilestoneProof(ctx context.Context, contractRef string, milestoneIndex int, deliverableHash string) (*SubmitResult, error) {
	payload := map[string]interface{}{
		"contractRef": contractRef,
		"milestone":   milestoneIndex,
		"deliverable": deliverableHash,
	}
	var result txRefResult
	if err := c.call(ctx, "escrow_submitProof", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &SubmitResult{TxRef: result.TxRef}, nil
}

// ApproveAndRelease releases the milestone's funds to the freelancer.
func (c *Client) ApproveAndRelease(ctx context.Context, contractRef string, milestoneIndex int) (*ReleaseResult, error) {
	payload := map[string]interface{}{
		"contractRef": contractRef,
		"milestone":   milestoneIndex,
	}
	var result releaseResult
	if err := c.call(ctx, "escrow_release", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	released, err := parseAmount(result.ReleasedAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: release amount %q: %v", ErrUnavailable, result.ReleasedAmount, err)
	}
	return &ReleaseResult{TxRef: result.TxRef, Released: released}, nil
}

// QueryState fetches the contract's balance and per-milestone view.
func (c *Client) QueryState(ctx context.Context, contractRef string) (*ContractState, error) {
	var result contractStateResult
	if err := c.call(ctx, "escrow_state", []interface{}{map[string]string{"contractRef": contractRef}}, &result); err != nil {
		return nil, err
	}
	balance, err := parseAmount(result.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: balance %q: %v", ErrUnavailable, result.Balance, err)
	}
	state := &ContractState{ContractRef: result.ContractRef, Balance: balance}
	for _, m := range result.Milestones {
		amount, err := parseAmount(m.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: milestone %d amount %q: %v", ErrUnavailable, m.Index, m.Amount, err)
		}
		state.Milestones = append(state.Milestones, MilestoneState{
			Index:    m.Index,
			Status:   m.Status,
			Amount:   amount,
			Released: m.Released,
		})
	}
	return state, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: status=%d body=%s", ErrUnavailable, method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: %s: empty result", ErrUnavailable, method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func mapRPCError(method string, rpcErr *jsonRPCErrorObj) error {
	switch rpcErr.Code {
	case codeRejected:
		return fmt.Errorf("%w: %s: %s", ErrRejected, method, rpcErr.Message)
	case codeInsufficientFunds:
		return fmt.Errorf("%w: %s: %s", ErrInsufficientFunds, method, rpcErr.Message)
	case codeAlreadyReleased:
		return fmt.Errorf("%w: %s: %s", ErrAlreadyReleased, method, rpcErr.Message)
	case codeNotFunded:
		return fmt.Errorf("%w: %s: %s", ErrNotFunded, method, rpcErr.Message)
	default:
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrUnavailable, method, rpcErr.Code, rpcErr.Message)
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("not a base-10 integer")
	}
	return value, nil
}
