package payrelay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"sponsorpay/native/fees"
	"sponsorpay/native/merchant"
	"sponsorpay/native/stablecoin"
	"sponsorpay/observability"
)

// MemoProgramID is the SPL memo program (v2).
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// SPL token layouts.
const (
	tokenAccountAmountOffset = 64
	tokenAccountMinLen       = tokenAccountAmountOffset + 8
	mintDecimalsOffset       = 44
)

// RelayTransaction is an unsigned payment transaction handed to a wallet.
type RelayTransaction struct {
	Transaction *solana.Transaction
	Encoded     string
	Message     string
	Split       fees.Split
	Merchant    merchant.Account
	House       solana.PublicKey
}

// TransactionBuilder assembles payment transactions whose fee payer is the
// service key. Missing token accounts for the merchant and house are created in
// the same transaction, funded by the fee payer.
type TransactionBuilder struct {
	registry *Registry
	chains   map[stablecoin.Network]ChainClient
	feePayer solana.PublicKey
	policy   fees.Policy
	house    solana.PublicKey
	metrics  *observability.PayRelayMetrics
}

// NewTransactionBuilder wires the builder. A non-zero houseOverride bypasses
// the on-chain global configuration.
func NewTransactionBuilder(registry *Registry, chains map[stablecoin.Network]ChainClient, feePayer solana.PublicKey, policy fees.Policy, houseOverride solana.PublicKey, metrics *observability.PayRelayMetrics) *TransactionBuilder {
	return &TransactionBuilder{
		registry: registry,
		chains:   chains,
		feePayer: feePayer,
		policy:   policy,
		house:    houseOverride,
		metrics:  metrics,
	}
}

// Build produces the transaction paying p from account.
func (b *TransactionBuilder) Build(ctx context.Context, p payment, account solana.PublicKey) (RelayTransaction, error) {
	if account.Equals(b.feePayer) {
		return RelayTransaction{}, &ValidationError{Field: "account", Reason: "payer cannot be the service fee payer"}
	}
	chain, ok := b.chains[p.network]
	if !ok || chain == nil {
		return RelayTransaction{}, fmt.Errorf("%w: %s", ErrNetworkNotConfigured, p.network)
	}
	merchantAcct, err := b.registry.Lookup(ctx, p.network, p.merchant)
	if err != nil {
		return RelayTransaction{}, err
	}
	house := b.house
	if house.IsZero() {
		house, err = b.registry.House(ctx, p.network)
		if err != nil {
			return RelayTransaction{}, err
		}
	}
	split := b.policy.Apply(p.amount, merchantAcct.FeeEligible)

	var instructions []solana.Instruction
	if p.asset.IsNative {
		instructions = b.nativeTransfers(account, p.merchant, house, split)
	} else {
		instructions, err = b.tokenTransfers(ctx, chain, p, account, house, split)
		if err != nil {
			return RelayTransaction{}, err
		}
	}
	if p.memo != "" {
		instructions = append(instructions, solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, []byte(p.memo)))
	}

	blockhash, err := chain.LatestBlockhash(ctx)
	if err != nil {
		return RelayTransaction{}, fmt.Errorf("fetch blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(b.feePayer))
	if err != nil {
		return RelayTransaction{}, fmt.Errorf("assemble transaction: %w", err)
	}
	// Wallets expect one placeholder per required signer.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return RelayTransaction{}, fmt.Errorf("encode transaction: %w", err)
	}
	b.metrics.RecordRelayTransaction(p.asset.Symbol)
	return RelayTransaction{
		Transaction: tx,
		Encoded:     base64.StdEncoding.EncodeToString(raw),
		Message:     fmt.Sprintf("Pay %s %s to %s", p.displayAmount(), p.asset.Symbol, merchantAcct.EntityName),
		Split:       split,
		Merchant:    merchantAcct,
		House:       house,
	}, nil
}

func (b *TransactionBuilder) nativeTransfers(from, merchantAddr, house solana.PublicKey, split fees.Split) []solana.Instruction {
	out := []solana.Instruction{
		system.NewTransferInstruction(split.Merchant, from, merchantAddr).Build(),
	}
	if split.House > 0 {
		out = append(out, system.NewTransferInstruction(split.House, from, house).Build())
	}
	return out
}

func (b *TransactionBuilder) tokenTransfers(ctx context.Context, chain ChainClient, p payment, from, house solana.PublicKey, split fees.Split) ([]solana.Instruction, error) {
	mint := p.asset.Mint(p.network)
	if err := checkMint(ctx, chain, mint, p.asset); err != nil {
		return nil, err
	}

	source, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return nil, fmt.Errorf("derive payer token account: %w", err)
	}
	sourceAcct, err := chain.Account(ctx, source)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, &ValidationError{Field: "account", Reason: fmt.Sprintf("no %s token account", p.asset.Symbol), Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("read payer token account: %w", err)
	}
	if len(sourceAcct.Data) >= tokenAccountMinLen {
		balance := binary.LittleEndian.Uint64(sourceAcct.Data[tokenAccountAmountOffset:])
		if balance < p.amount {
			return nil, &ValidationError{Field: "account", Reason: fmt.Sprintf("insufficient %s balance", p.asset.Symbol)}
		}
	}

	var out []solana.Instruction
	merchantATA, createMerchant, err := b.destination(ctx, chain, p.merchant, mint)
	if err != nil {
		return nil, err
	}
	if createMerchant != nil {
		out = append(out, createMerchant)
	}
	out = append(out, token.NewTransferCheckedInstruction(split.Merchant, p.asset.Decimals, source, mint, merchantATA, from, nil).Build())

	if split.House > 0 {
		houseATA, createHouse, err := b.destination(ctx, chain, house, mint)
		if err != nil {
			return nil, err
		}
		if createHouse != nil {
			out = append(out, createHouse)
		}
		out = append(out, token.NewTransferCheckedInstruction(split.House, p.asset.Decimals, source, mint, houseATA, from, nil).Build())
	}
	return out, nil
}

// destination resolves owner's token account for mint and returns a create
// instruction when it does not exist yet.
func (b *TransactionBuilder) destination(ctx context.Context, chain ChainClient, owner, mint solana.PublicKey) (solana.PublicKey, solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive token account for %s: %w", owner, err)
	}
	_, err = chain.Account(ctx, ata)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return ata, associatedtokenaccount.NewCreateInstruction(b.feePayer, owner, mint).Build(), nil
	case err != nil:
		return solana.PublicKey{}, nil, fmt.Errorf("read token account %s: %w", ata, err)
	default:
		return ata, nil, nil
	}
}

func checkMint(ctx context.Context, chain ChainClient, mint solana.PublicKey, asset stablecoin.Descriptor) error {
	acct, err := chain.Account(ctx, mint)
	if err != nil {
		return fmt.Errorf("read %s mint: %w", asset.Symbol, err)
	}
	if !acct.Owner.Equals(token.ProgramID) {
		return &ValidationError{Field: "token", Reason: fmt.Sprintf("%s mint is not managed by the SPL token program", asset.Symbol)}
	}
	if len(acct.Data) > mintDecimalsOffset && acct.Data[mintDecimalsOffset] != asset.Decimals {
		return fmt.Errorf("%s mint reports %d decimals, expected %d", asset.Symbol, acct.Data[mintDecimalsOffset], asset.Decimals)
	}
	return nil
}
