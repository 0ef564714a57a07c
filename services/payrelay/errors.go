package payrelay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInsufficientFeePayerBalance    = errors.New("payrelay: fee payer balance below operating floor")
	ErrMalformedTransaction           = errors.New("payrelay: malformed transaction")
	ErrUnauthorizedFeePayerAssignment = errors.New("payrelay: fee payer may only pay fees and fund token accounts")
	ErrRejectedAtSubmit               = errors.New("payrelay: transaction rejected by node")
	ErrOnChainExecutionFailed         = errors.New("payrelay: transaction failed on chain")
	ErrConfirmationTimedOut           = errors.New("payrelay: confirmation timed out")
	ErrPriceFeedDegraded              = errors.New("payrelay: price feed degraded")
	ErrMerchantNotFound               = errors.New("payrelay: merchant not found")
	ErrMerchantInactive               = errors.New("payrelay: merchant inactive")
	ErrAccountNotFound                = errors.New("payrelay: account not found")
	ErrNetworkNotConfigured           = errors.New("payrelay: network not configured")
	ErrMerchantNotAuthorized          = errors.New("payrelay: api key may not issue requests for merchant")
	ErrNotMerchantOwner               = errors.New("payrelay: account does not own merchant")
	ErrAlreadyRefunded                = errors.New("payrelay: payment already refunded")
)

// ValidationError reports caller input that cannot be turned into a payment.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// DiscoveryError wraps an RPC failure while listing merchant accounts.
type DiscoveryError struct {
	Owner solana.PublicKey
	Err   error
}

func (e *DiscoveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("payrelay: discover merchants for %s: %v", e.Owner, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OnChainError carries the raw execution error reported by the cluster.
type OnChainError struct {
	Signature solana.Signature
	Raw       json.RawMessage
}

func (e *OnChainError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: %s: %s", ErrOnChainExecutionFailed, e.Signature, string(e.Raw))
}

func (e *OnChainError) Unwrap() error { return ErrOnChainExecutionFailed }

// TimeoutError is returned when the deadline passes without a terminal status.
// The transaction may still land; callers should direct users to an explorer.
type TimeoutError struct {
	Signature solana.Signature
	Waited    string
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v after %s: status of %s unknown, check explorer", ErrConfirmationTimedOut, e.Waited, e.Signature)
}

func (e *TimeoutError) Unwrap() error { return ErrConfirmationTimedOut }

// RejectionError is a node-level refusal of a submitted transaction, such as a
// failed preflight simulation or a stale blockhash.
type RejectionError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RejectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: %s (code %d)", ErrRejectedAtSubmit, e.Message, e.Code)
}

func (e *RejectionError) Unwrap() error { return ErrRejectedAtSubmit }
