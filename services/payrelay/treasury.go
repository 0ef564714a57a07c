package payrelay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"

	"sponsorpay/native/fees"
	"sponsorpay/native/merchant"
	"sponsorpay/native/stablecoin"
	"sponsorpay/observability"
)

// TreasuryKind names a merchant-owner operation against the payment program.
type TreasuryKind string

const (
	KindWithdraw TreasuryKind = "withdraw"
	KindRefund   TreasuryKind = "refund"
)

// TreasuryRequest carries withdrawal and refund parameters as they arrive on
// the query string. Recipient and TxSig apply to refunds only.
type TreasuryRequest struct {
	Merchant  string
	Amount    string
	Token     string
	Network   string
	Recipient string
	TxSig     string
}

type treasuryOp struct {
	kind      TreasuryKind
	merchant  solana.PublicKey
	network   stablecoin.Network
	asset     stablecoin.Descriptor
	amount    uint64
	recipient solana.PublicKey
	reference string
}

func (op treasuryOp) displayAmount() string {
	return op.asset.FormatBaseUnits(op.amount)
}

func resolveTreasury(kind TreasuryKind, req TreasuryRequest) (treasuryOp, error) {
	p, err := resolvePayment(PaymentRequest{
		Merchant: req.Merchant,
		Amount:   req.Amount,
		Network:  req.Network,
		Token:    req.Token,
	})
	if err != nil {
		return treasuryOp{}, err
	}
	op := treasuryOp{kind: kind, merchant: p.merchant, network: p.network, asset: p.asset, amount: p.amount}
	switch kind {
	case KindWithdraw:
		minimum := uint64(merchant.MinWithdrawUnits)
		if p.asset.IsNative {
			minimum = merchant.MinWithdrawLamports
		}
		if op.amount < minimum {
			return treasuryOp{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("below the minimum withdrawal of %s %s", p.asset.FormatBaseUnits(minimum), p.asset.Symbol)}
		}
	case KindRefund:
		op.recipient, err = parseAddress("recipient", req.Recipient)
		if err != nil {
			return treasuryOp{}, err
		}
		op.reference, err = merchant.RefundReference(req.TxSig)
		if err != nil {
			return treasuryOp{}, invalid("txSig", err)
		}
	default:
		return treasuryOp{}, fmt.Errorf("unknown treasury operation %q", kind)
	}
	return op, nil
}

// TreasuryTransaction is an unsigned withdrawal or refund for the merchant
// owner to sign.
type TreasuryTransaction struct {
	Transaction *solana.Transaction
	Encoded     string
	Message     string
	// Sponsored reports whether the service key pays the network fee.
	Sponsored bool
	Split     fees.Split
	Merchant  merchant.Account
}

// TreasuryBuilder assembles withdrawals and refunds that move funds held by
// the payment program. Fee-eligible merchants have the service key as fee
// payer, and it funds any token account the transfer needs. The fee payer
// never appears in the program instruction itself.
type TreasuryBuilder struct {
	program  solana.PublicKey
	registry *Registry
	chains   map[stablecoin.Network]ChainClient
	feePayer solana.PublicKey
	house    solana.PublicKey
	metrics  *observability.PayRelayMetrics
}

// NewTreasuryBuilder wires the builder. A non-zero houseOverride bypasses the
// on-chain global configuration.
func NewTreasuryBuilder(program solana.PublicKey, registry *Registry, chains map[stablecoin.Network]ChainClient, feePayer, houseOverride solana.PublicKey, metrics *observability.PayRelayMetrics) *TreasuryBuilder {
	return &TreasuryBuilder{
		program:  program,
		registry: registry,
		chains:   chains,
		feePayer: feePayer,
		house:    houseOverride,
		metrics:  metrics,
	}
}

// Build dispatches op to Withdraw or Refund.
func (b *TreasuryBuilder) Build(ctx context.Context, op treasuryOp, owner solana.PublicKey) (TreasuryTransaction, error) {
	if op.kind == KindRefund {
		return b.Refund(ctx, op, owner)
	}
	return b.Withdraw(ctx, op, owner)
}

// Withdraw moves op.amount out of the merchant's program accounts to owner.
// The program keeps the house share.
func (b *TreasuryBuilder) Withdraw(ctx context.Context, op treasuryOp, owner solana.PublicKey) (TreasuryTransaction, error) {
	chain, acct, payer, err := b.prepare(ctx, op, owner)
	if err != nil {
		return TreasuryTransaction{}, err
	}
	house := b.house
	if house.IsZero() {
		house, err = b.registry.House(ctx, op.network)
		if err != nil {
			return TreasuryTransaction{}, err
		}
	}

	var instructions []solana.Instruction
	if op.asset.IsNative {
		if err := b.checkVault(ctx, chain, op); err != nil {
			return TreasuryTransaction{}, err
		}
		ix, err := merchant.WithdrawSOL{Program: b.program, Owner: owner, Merchant: op.merchant, House: house, Amount: op.amount}.Instruction()
		if err != nil {
			return TreasuryTransaction{}, err
		}
		instructions = append(instructions, ix)
	} else {
		mint := op.asset.Mint(op.network)
		if err := b.checkMerchantTokens(ctx, chain, op, mint); err != nil {
			return TreasuryTransaction{}, err
		}
		for _, holder := range []solana.PublicKey{owner, house} {
			create, err := createIfMissing(ctx, chain, payer, holder, mint)
			if err != nil {
				return TreasuryTransaction{}, err
			}
			if create != nil {
				instructions = append(instructions, create)
			}
		}
		ix, err := merchant.WithdrawToken{Program: b.program, Owner: owner, Merchant: op.merchant, Mint: mint, House: house, Amount: op.amount}.Instruction()
		if err != nil {
			return TreasuryTransaction{}, err
		}
		instructions = append(instructions, ix)
	}

	split := fees.DefaultPolicy().Apply(op.amount, true)
	message := fmt.Sprintf("Withdraw %s %s from %s (house fee %s %s)",
		op.displayAmount(), op.asset.Symbol, acct.EntityName, op.asset.FormatBaseUnits(split.House), op.asset.Symbol)
	out, err := b.assemble(ctx, chain, op, acct, payer, instructions, message)
	if err != nil {
		return TreasuryTransaction{}, err
	}
	out.Split = split
	return out, nil
}

// Refund returns op.amount to op.recipient and records op.reference so the
// same payment cannot be refunded twice. The owner funds the record.
func (b *TreasuryBuilder) Refund(ctx context.Context, op treasuryOp, owner solana.PublicKey) (TreasuryTransaction, error) {
	if op.recipient.Equals(b.feePayer) {
		return TreasuryTransaction{}, &ValidationError{Field: "recipient", Reason: "cannot be the service fee payer"}
	}
	chain, acct, payer, err := b.prepare(ctx, op, owner)
	if err != nil {
		return TreasuryTransaction{}, err
	}
	record, _, err := merchant.RefundRecordAddress(b.program, op.reference)
	if err != nil {
		return TreasuryTransaction{}, invalid("txSig", err)
	}
	_, err = chain.Account(ctx, record)
	switch {
	case err == nil:
		return TreasuryTransaction{}, fmt.Errorf("%w: %s", ErrAlreadyRefunded, op.reference)
	case !errors.Is(err, ErrAccountNotFound):
		return TreasuryTransaction{}, fmt.Errorf("read refund record: %w", err)
	}

	var instructions []solana.Instruction
	if op.asset.IsNative {
		if err := b.checkVault(ctx, chain, op); err != nil {
			return TreasuryTransaction{}, err
		}
		ix, err := merchant.RefundSOL{Program: b.program, Owner: owner, Merchant: op.merchant, Recipient: op.recipient, Reference: op.reference, Amount: op.amount}.Instruction()
		if err != nil {
			return TreasuryTransaction{}, err
		}
		instructions = append(instructions, ix)
	} else {
		mint := op.asset.Mint(op.network)
		if err := b.checkMerchantTokens(ctx, chain, op, mint); err != nil {
			return TreasuryTransaction{}, err
		}
		create, err := createIfMissing(ctx, chain, payer, op.recipient, mint)
		if err != nil {
			return TreasuryTransaction{}, err
		}
		if create != nil {
			instructions = append(instructions, create)
		}
		ix, err := merchant.RefundToken{Program: b.program, Owner: owner, Merchant: op.merchant, Mint: mint, Recipient: op.recipient, Reference: op.reference, Amount: op.amount}.Instruction()
		if err != nil {
			return TreasuryTransaction{}, err
		}
		instructions = append(instructions, ix)
	}

	message := fmt.Sprintf("Refund %s %s from %s to %s", op.displayAmount(), op.asset.Symbol, acct.EntityName, shortAddress(op.recipient))
	out, err := b.assemble(ctx, chain, op, acct, payer, instructions, message)
	if err != nil {
		return TreasuryTransaction{}, err
	}
	out.Split = fees.Split{Gross: op.amount, Merchant: op.amount}
	return out, nil
}

// prepare resolves the chain and merchant and picks the fee payer. Inactive
// merchants may still move funds they hold.
func (b *TreasuryBuilder) prepare(ctx context.Context, op treasuryOp, owner solana.PublicKey) (ChainClient, merchant.Account, solana.PublicKey, error) {
	if owner.Equals(b.feePayer) {
		return nil, merchant.Account{}, solana.PublicKey{}, &ValidationError{Field: "account", Reason: "owner cannot be the service fee payer"}
	}
	chain, ok := b.chains[op.network]
	if !ok || chain == nil {
		return nil, merchant.Account{}, solana.PublicKey{}, fmt.Errorf("%w: %s", ErrNetworkNotConfigured, op.network)
	}
	acct, err := b.registry.Fetch(ctx, op.network, op.merchant)
	if err != nil {
		return nil, merchant.Account{}, solana.PublicKey{}, err
	}
	if !acct.Owner.Equals(owner) {
		return nil, merchant.Account{}, solana.PublicKey{}, fmt.Errorf("%w: %s does not own %s", ErrNotMerchantOwner, owner, op.merchant)
	}
	payer := owner
	if acct.FeeEligible {
		payer = b.feePayer
	}
	return chain, acct, payer, nil
}

func (b *TreasuryBuilder) checkVault(ctx context.Context, chain ChainClient, op treasuryOp) error {
	vault, _, err := merchant.VaultAddress(b.program, op.merchant)
	if err != nil {
		return err
	}
	acct, err := chain.Account(ctx, vault)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return &ValidationError{Field: "amount", Reason: "merchant vault holds no SOL"}
	case err != nil:
		return fmt.Errorf("read merchant vault: %w", err)
	case acct.Lamports < op.amount:
		return &ValidationError{Field: "amount", Reason: "exceeds the merchant's SOL balance"}
	}
	return nil
}

func (b *TreasuryBuilder) checkMerchantTokens(ctx context.Context, chain ChainClient, op treasuryOp, mint solana.PublicKey) error {
	if err := checkMint(ctx, chain, mint, op.asset); err != nil {
		return err
	}
	ata, _, err := solana.FindAssociatedTokenAddress(op.merchant, mint)
	if err != nil {
		return fmt.Errorf("derive merchant token account: %w", err)
	}
	acct, err := chain.Account(ctx, ata)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return &ValidationError{Field: "token", Reason: fmt.Sprintf("merchant holds no %s", op.asset.Symbol)}
	case err != nil:
		return fmt.Errorf("read merchant token account: %w", err)
	case len(acct.Data) >= tokenAccountMinLen && binary.LittleEndian.Uint64(acct.Data[tokenAccountAmountOffset:]) < op.amount:
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds the merchant's %s balance", op.asset.Symbol)}
	}
	return nil
}

func (b *TreasuryBuilder) assemble(ctx context.Context, chain ChainClient, op treasuryOp, acct merchant.Account, payer solana.PublicKey, instructions []solana.Instruction, message string) (TreasuryTransaction, error) {
	blockhash, err := chain.LatestBlockhash(ctx)
	if err != nil {
		return TreasuryTransaction{}, fmt.Errorf("fetch blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return TreasuryTransaction{}, fmt.Errorf("assemble transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return TreasuryTransaction{}, fmt.Errorf("encode transaction: %w", err)
	}
	sponsored := payer.Equals(b.feePayer)
	if sponsored {
		message += "; network fees are covered"
	}
	b.metrics.RecordTreasuryTransaction(string(op.kind), op.asset.Symbol, sponsored)
	return TreasuryTransaction{
		Transaction: tx,
		Encoded:     base64.StdEncoding.EncodeToString(raw),
		Message:     message,
		Sponsored:   sponsored,
		Merchant:    acct,
	}, nil
}

// createIfMissing returns an instruction creating holder's token account for
// mint, funded by payer, or nil when it already exists.
func createIfMissing(ctx context.Context, chain ChainClient, payer, holder, mint solana.PublicKey) (solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(holder, mint)
	if err != nil {
		return nil, fmt.Errorf("derive token account for %s: %w", holder, err)
	}
	_, err = chain.Account(ctx, ata)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return associatedtokenaccount.NewCreateInstruction(payer, holder, mint).Build(), nil
	case err != nil:
		return nil, fmt.Errorf("read token account %s: %w", ata, err)
	default:
		return nil, nil
	}
}

func shortAddress(key solana.PublicKey) string {
	s := key.String()
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func treasuryFromQuery(get func(string) string) TreasuryRequest {
	return TreasuryRequest{
		Merchant:  get("merchant"),
		Amount:    get("amount"),
		Token:     get("token"),
		Network:   get("network"),
		Recipient: get("recipient"),
		TxSig:     strings.TrimSpace(get("txSig")),
	}
}
