// Package merchant decodes the on-chain account layouts owned by the payment
// program. The service never writes these accounts.
package merchant

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Layout v1. Discovery filters depend on these offsets, so they are fixed here
// and pinned by fixture tests.
const (
	DiscriminatorLen = 8
	OwnerOffset      = DiscriminatorLen
	OwnerLen         = solana.PublicKeyLength
	NameLenOffset    = OwnerOffset + OwnerLen
	MaxEntityNameLen = 32
	// MinAccountLen is the encoded size with an empty entity name.
	MinAccountLen = NameLenOffset + 4 + 1 + 1 + 1 + 8 + 8
)

// AccountDiscriminator prefixes every merchant account. It is the first eight
// bytes of sha256("account:Merchant").
var AccountDiscriminator = [DiscriminatorLen]byte{71, 235, 30, 40, 231, 21, 32, 64}

var ErrDiscriminatorMismatch = errors.New("merchant: discriminator mismatch")

// DecodeError reports an account that could not be read as a merchant record.
type DecodeError struct {
	Address solana.PublicKey
	Err     error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Address.IsZero() {
		return fmt.Sprintf("merchant: decode account: %v", e.Err)
	}
	return fmt.Sprintf("merchant: decode account %s: %v", e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Account is the decoded merchant record.
type Account struct {
	Address        solana.PublicKey `json:"address"`
	Owner          solana.PublicKey `json:"owner"`
	EntityName     string           `json:"entityName"`
	Bump           uint8            `json:"merchantBump"`
	IsActive       bool             `json:"isActive"`
	FeeEligible    bool             `json:"feeEligible"`
	TotalWithdrawn uint64           `json:"totalWithdrawn"`
	TotalRefunded  uint64           `json:"totalRefunded"`
}

type rawAccount struct {
	Discriminator  [DiscriminatorLen]byte
	Owner          solana.PublicKey
	EntityName     string
	Bump           uint8
	IsActive       bool
	FeeEligible    bool
	TotalWithdrawn uint64
	TotalRefunded  uint64
}

// Decode parses account data stored at address. Trailing bytes beyond the
// record are ignored since accounts are allocated at their maximum size.
func Decode(address solana.PublicKey, data []byte) (Account, error) {
	if len(data) < MinAccountLen {
		return Account{}, &DecodeError{Address: address, Err: fmt.Errorf("short account data: %d bytes", len(data))}
	}
	if !bytes.Equal(data[:DiscriminatorLen], AccountDiscriminator[:]) {
		return Account{}, &DecodeError{Address: address, Err: ErrDiscriminatorMismatch}
	}
	var raw rawAccount
	if err := bin.NewBorshDecoder(data).Decode(&raw); err != nil {
		return Account{}, &DecodeError{Address: address, Err: err}
	}
	if len(raw.EntityName) > MaxEntityNameLen {
		return Account{}, &DecodeError{Address: address, Err: fmt.Errorf("entity name length %d exceeds %d", len(raw.EntityName), MaxEntityNameLen)}
	}
	return Account{
		Address:        address,
		Owner:          raw.Owner,
		EntityName:     raw.EntityName,
		Bump:           raw.Bump,
		IsActive:       raw.IsActive,
		FeeEligible:    raw.FeeEligible,
		TotalWithdrawn: raw.TotalWithdrawn,
		TotalRefunded:  raw.TotalRefunded,
	}, nil
}

// Encode serialises the account in layout v1. It exists for fixtures and local
// tooling; the service only reads accounts.
func Encode(acct Account) ([]byte, error) {
	if len(acct.EntityName) > MaxEntityNameLen {
		return nil, fmt.Errorf("merchant: entity name length %d exceeds %d", len(acct.EntityName), MaxEntityNameLen)
	}
	var buf bytes.Buffer
	raw := rawAccount{
		Discriminator:  AccountDiscriminator,
		Owner:          acct.Owner,
		EntityName:     acct.EntityName,
		Bump:           acct.Bump,
		IsActive:       acct.IsActive,
		FeeEligible:    acct.FeeEligible,
		TotalWithdrawn: acct.TotalWithdrawn,
		TotalRefunded:  acct.TotalRefunded,
	}
	if err := bin.NewBorshEncoder(&buf).Encode(raw); err != nil {
		return nil, fmt.Errorf("merchant: encode account: %w", err)
	}
	return buf.Bytes(), nil
}
