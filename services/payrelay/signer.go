package payrelay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"sponsorpay/crypto"
	"sponsorpay/observability"
)

// Default operating floor: two transaction fees plus rent for the two token
// accounts a payment may have to create.
const (
	DefaultTxFeeLamports       uint64 = 10_000
	DefaultRentReserveLamports uint64 = 2 * 2_039_280
)

// Limits on what a co-signed transaction may cost the fee payer beyond the
// base fee. MaxSponsoredAccounts matches the rent reserve in the floor.
const (
	MaxSponsoredAccounts = 2
	MaxComputeUnitPrice  = 1_000_000 // micro-lamports per compute unit
)

// Floor is the minimum fee payer balance, exclusive, required before signing.
type Floor struct {
	TxFeeLamports       uint64
	RentReserveLamports uint64
}

// DefaultFloor returns the standard operating floor.
func DefaultFloor() Floor {
	return Floor{TxFeeLamports: DefaultTxFeeLamports, RentReserveLamports: DefaultRentReserveLamports}
}

// Lamports is the combined floor.
func (f Floor) Lamports() uint64 {
	return f.TxFeeLamports + f.RentReserveLamports
}

// Signer co-signs customer transactions as fee payer. It checks, in order, the
// fee payer balance, the transaction shape, the declared fee payer and every
// instruction that touches the fee payer. Any refusal leaves the transaction
// untouched.
type Signer struct {
	key     *crypto.PrivateKey
	chain   ChainClient
	floor   Floor
	logger  *slog.Logger
	metrics *observability.PayRelayMetrics
	network string
}

// NewSigner binds the fee payer key to one network's chain client.
func NewSigner(key *crypto.PrivateKey, chain ChainClient, floor Floor, network string, logger *slog.Logger, metrics *observability.PayRelayMetrics) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{key: key, chain: chain, floor: floor, network: network, logger: logger, metrics: metrics}
}

// FeePayer returns the service public key.
func (s *Signer) FeePayer() solana.PublicKey {
	return s.key.PublicKey()
}

// Floor returns the configured operating floor.
func (s *Signer) Floor() Floor {
	return s.floor
}

// Balance reads the fee payer balance at "confirmed" commitment.
func (s *Signer) Balance(ctx context.Context) (uint64, error) {
	balance, err := s.chain.Balance(ctx, s.FeePayer())
	if err != nil {
		return 0, err
	}
	s.metrics.SetFeePayerBalance(s.network, balance)
	return balance, nil
}

// Sign validates raw and returns the transaction with the fee payer signature
// slot filled. The message and any signatures already present are unchanged.
func (s *Signer) Sign(ctx context.Context, raw []byte) (*solana.Transaction, []byte, error) {
	balance, err := s.Balance(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read fee payer balance: %w", err)
	}
	if balance <= s.floor.Lamports() {
		s.metrics.RecordSign("insufficient_balance")
		s.logger.Warn("fee payer below floor, refusing to sign",
			slog.String("network", s.network),
			slog.Uint64("balance_lamports", balance),
			slog.Uint64("floor_lamports", s.floor.Lamports()))
		return nil, nil, fmt.Errorf("%w: balance %d lamports, floor %d", ErrInsufficientFeePayerBalance, balance, s.floor.Lamports())
	}

	tx, err := decodeTransaction(raw)
	if err != nil {
		s.metrics.RecordSign("malformed")
		return nil, nil, err
	}

	feePayer := s.FeePayer()
	if !tx.Message.AccountKeys[0].Equals(feePayer) {
		s.metrics.RecordSign("unauthorized_fee_payer")
		return nil, nil, fmt.Errorf("%w: declared %s", ErrUnauthorizedFeePayerAssignment, tx.Message.AccountKeys[0])
	}
	if err := checkFeePayerRoles(tx.Message); err != nil {
		s.metrics.RecordSign("unauthorized_fee_payer")
		s.logger.Warn("refusing to co-sign transaction",
			slog.String("network", s.network),
			slog.String("error", err.Error()))
		return nil, nil, err
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		s.metrics.RecordSign("malformed")
		return nil, nil, fmt.Errorf("%w: encode message: %v", ErrMalformedTransaction, err)
	}
	sig, err := s.key.Sign(message)
	if err != nil {
		return nil, nil, fmt.Errorf("sign message: %w", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < required {
		padded := make([]solana.Signature, required)
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[0] = sig

	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode signed transaction: %w", err)
	}
	s.metrics.RecordSign("signed")
	s.logger.Info("co-signed transaction",
		slog.String("network", s.network),
		slog.String("signature", sig.String()))
	return tx, signed, nil
}

func decodeTransaction(raw []byte) (tx *solana.Transaction, err error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedTransaction)
	}
	// The payload is caller-supplied; a decoder panic is just another malformed input.
	defer func() {
		if r := recover(); r != nil {
			tx, err = nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, r)
		}
	}()
	tx, err = solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: no account keys", ErrMalformedTransaction)
	}
	if len(tx.Message.Instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrMalformedTransaction)
	}
	if tx.Message.Header.NumRequiredSignatures == 0 {
		return nil, fmt.Errorf("%w: no required signers", ErrMalformedTransaction)
	}
	if len(tx.Signatures) > int(tx.Message.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("%w: %d signatures for %d signers", ErrMalformedTransaction, len(tx.Signatures), tx.Message.Header.NumRequiredSignatures)
	}
	return tx, nil
}

// checkFeePayerRoles walks the instructions of msg. The fee payer (account
// index 0) may appear only as the funding account of an associated token
// account creation, at most MaxSponsoredAccounts times, and priority fees are
// capped at MaxComputeUnitPrice. Accounts loaded from lookup tables can never
// sign, so only static indices matter.
func checkFeePayerRoles(msg solana.Message) error {
	sponsored := 0
	for i, ix := range msg.Instructions {
		program, err := msg.Program(ix.ProgramIDIndex)
		if err != nil {
			return fmt.Errorf("%w: instruction %d: %v", ErrMalformedTransaction, i, err)
		}
		if ix.ProgramIDIndex == 0 {
			return fmt.Errorf("%w: instruction %d invokes the fee payer", ErrUnauthorizedFeePayerAssignment, i)
		}
		if program.Equals(computebudget.ProgramID) {
			if price, ok := computeUnitPrice(ix.Data); ok && price > MaxComputeUnitPrice {
				return fmt.Errorf("%w: compute unit price %d exceeds %d", ErrUnauthorizedFeePayerAssignment, price, MaxComputeUnitPrice)
			}
			continue
		}
		for slot, index := range ix.Accounts {
			if index != 0 {
				continue
			}
			if slot != 0 || !program.Equals(associatedtokenaccount.ProgramID) || !isCreateAccount(ix.Data) {
				return fmt.Errorf("%w: instruction %d uses the fee payer as account %d of %s", ErrUnauthorizedFeePayerAssignment, i, slot, program)
			}
			sponsored++
		}
	}
	if sponsored > MaxSponsoredAccounts {
		return fmt.Errorf("%w: %d sponsored token accounts, limit %d", ErrUnauthorizedFeePayerAssignment, sponsored, MaxSponsoredAccounts)
	}
	return nil
}

// isCreateAccount matches Create (empty data or 0) and CreateIdempotent (1).
func isCreateAccount(data []byte) bool {
	return len(data) == 0 || (len(data) == 1 && data[0] <= 1)
}

func computeUnitPrice(data []byte) (uint64, bool) {
	if len(data) != 9 || data[0] != computebudget.Instruction_SetComputeUnitPrice {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[1:]), true
}
