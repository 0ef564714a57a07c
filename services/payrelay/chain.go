package payrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// ConfirmationLevel mirrors the cluster commitment reported for a signature.
type ConfirmationLevel string

const (
	LevelProcessed ConfirmationLevel = "processed"
	LevelConfirmed ConfirmationLevel = "confirmed"
	LevelFinalized ConfirmationLevel = "finalized"
)

// MemcmpFilter restricts program account queries to accounts whose data holds
// Bytes at Offset.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

// AccountData is the raw state of one on-chain account.
type AccountData struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// SignatureStatus is the cluster view of a submitted transaction. A nil status
// from SignatureStatus means the cluster has not seen the signature yet.
type SignatureStatus struct {
	Level ConfirmationLevel
	Err   json.RawMessage
}

// ChainClient exposes the minimal RPC surface required by the relay. All reads
// use "confirmed" commitment.
type ChainClient interface {
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...MemcmpFilter) ([]AccountData, error)
	Account(ctx context.Context, address solana.PublicKey) (AccountData, error)
	Balance(ctx context.Context, address solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
}

// RPCChainClient adapts the solana-go JSON-RPC client.
type RPCChainClient struct {
	rpc        *rpc.Client
	maxRetries uint
}

// NewRPCChainClient dials nothing; requests are issued lazily against endpoint.
// Headers are attached to every request, which suits providers that
// authenticate with an API key header.
func NewRPCChainClient(endpoint string, headers map[string]string, timeout time.Duration) *RPCChainClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := &jsonrpc.RPCClientOpts{
		HTTPClient:    &http.Client{Timeout: timeout},
		CustomHeaders: headers,
	}
	return &RPCChainClient{
		rpc:        rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(strings.TrimSpace(endpoint), opts)),
		maxRetries: 3,
	}
}

func (c *RPCChainClient) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...MemcmpFilter) ([]AccountData, error) {
	rpcFilters := make([]rpc.RPCFilter, 0, len(filters))
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		})
	}
	result, err := c.rpc.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters:    rpcFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts: %w", err)
	}
	out := make([]AccountData, 0, len(result))
	for _, keyed := range result {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		out = append(out, accountData(keyed.Pubkey, keyed.Account))
	}
	return out, nil
}

func (c *RPCChainClient) Account(ctx context.Context, address solana.PublicKey) (AccountData, error) {
	result, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return AccountData{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return AccountData{}, fmt.Errorf("getAccountInfo: %w", err)
	}
	if result == nil || result.Value == nil {
		return AccountData{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return accountData(address, result.Value), nil
}

func accountData(address solana.PublicKey, acct *rpc.Account) AccountData {
	out := AccountData{Address: address, Owner: acct.Owner, Lamports: acct.Lamports}
	if acct.Data != nil {
		out.Data = acct.Data.GetBinary()
	}
	return out
}

func (c *RPCChainClient) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	result, err := c.rpc.GetBalance(ctx, address, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("getBalance: %w", err)
	}
	return result.Value, nil
}

func (c *RPCChainClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	if result == nil || result.Value == nil {
		return solana.Hash{}, errors.New("getLatestBlockhash: empty result")
	}
	return result.Value.Blockhash, nil
}

// SendRawTransaction runs preflight at "confirmed" and lets the node retry
// broadcasting. A JSON-RPC error response is reported as *RejectionError; any
// other failure is a transport error the caller may retry.
func (c *RPCChainClient) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	retries := c.maxRetries
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &retries,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			rejection := &RejectionError{Code: rpcErr.Code, Message: rpcErr.Message}
			if rpcErr.Data != nil {
				if data, mErr := json.Marshal(rpcErr.Data); mErr == nil {
					rejection.Data = data
				}
			}
			return solana.Signature{}, rejection
		}
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}
	return sig, nil
}

func (c *RPCChainClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}
	status := result.Value[0]
	out := &SignatureStatus{Level: ConfirmationLevel(status.ConfirmationStatus)}
	if status.Err != nil {
		raw, err := json.Marshal(status.Err)
		if err != nil {
			raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(status.Err)))
		}
		out.Err = raw
	}
	return out, nil
}
