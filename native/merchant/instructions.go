package merchant

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	vaultSeed  = "vault"
	refundSeed = "refund"

	// RefundReferenceLen is the length of the signature prefix recorded per
	// refund. Only one refund can exist per reference.
	RefundReferenceLen = 8

	// Program-side minimums.
	MinWithdrawLamports = 1_000
	MinWithdrawUnits    = 100
)

// Instruction discriminators, the first eight bytes of sha256("global:<name>").
var (
	WithdrawSOLDiscriminator   = bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "withdraw_sol")
	WithdrawTokenDiscriminator = bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "withdraw_spl")
	RefundSOLDiscriminator     = bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "refund_sol")
	RefundTokenDiscriminator   = bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "refund_spl")
)

var ErrInvalidReference = errors.New("merchant: invalid refund reference")

// VaultAddress derives the system account holding a merchant's SOL.
func VaultAddress(program, merchantAddr solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(vaultSeed), merchantAddr.Bytes()}, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("merchant: derive vault address: %w", err)
	}
	return addr, bump, nil
}

// RefundReference reduces a payment signature to the prefix that keys its
// refund record. Shorter base58 references are used as given.
func RefundReference(signature string) (string, error) {
	ref := strings.TrimSpace(signature)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	if len(ref) > RefundReferenceLen {
		ref = ref[:RefundReferenceLen]
	}
	for _, r := range ref {
		if !strings.ContainsRune(base58Alphabet, r) {
			return "", fmt.Errorf("%w: %q is not base58", ErrInvalidReference, ref)
		}
	}
	return ref, nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// RefundRecordAddress derives the account marking reference as refunded.
func RefundRecordAddress(program solana.PublicKey, reference string) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(refundSeed), []byte(reference)}, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("merchant: derive refund record address: %w", err)
	}
	return addr, bump, nil
}

// WithdrawSOL moves lamports from the merchant vault to the owner, less the
// house share taken by the program.
type WithdrawSOL struct {
	Program  solana.PublicKey
	Owner    solana.PublicKey
	Merchant solana.PublicKey
	House    solana.PublicKey
	Amount   uint64
}

func (w WithdrawSOL) Instruction() (solana.Instruction, error) {
	vault, _, err := VaultAddress(w.Program, w.Merchant)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(WithdrawSOLDiscriminator, amountArgs{Amount: w.Amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(w.Program, solana.AccountMetaSlice{
		solana.Meta(w.Owner).WRITE().SIGNER(),
		solana.Meta(w.Merchant),
		solana.Meta(vault).WRITE(),
		solana.Meta(w.House).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

// WithdrawToken moves stablecoin units from the merchant's token account to
// the owner's, less the house share.
type WithdrawToken struct {
	Program  solana.PublicKey
	Owner    solana.PublicKey
	Merchant solana.PublicKey
	Mint     solana.PublicKey
	House    solana.PublicKey
	Amount   uint64
}

func (w WithdrawToken) Instruction() (solana.Instruction, error) {
	merchantATA, ownerATA, err := tokenAccounts(w.Merchant, w.Owner, w.Mint)
	if err != nil {
		return nil, err
	}
	houseATA, _, err := solana.FindAssociatedTokenAddress(w.House, w.Mint)
	if err != nil {
		return nil, fmt.Errorf("merchant: derive house token account: %w", err)
	}
	data, err := instructionData(WithdrawTokenDiscriminator, amountArgs{Amount: w.Amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(w.Program, solana.AccountMetaSlice{
		solana.Meta(w.Owner).WRITE().SIGNER(),
		solana.Meta(w.Merchant),
		solana.Meta(w.Mint),
		solana.Meta(merchantATA).WRITE(),
		solana.Meta(ownerATA).WRITE(),
		solana.Meta(w.House),
		solana.Meta(houseATA).WRITE(),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

// RefundSOL returns lamports from the vault to a payer and records the
// reference so it cannot be refunded twice. The owner funds the record.
type RefundSOL struct {
	Program   solana.PublicKey
	Owner     solana.PublicKey
	Merchant  solana.PublicKey
	Recipient solana.PublicKey
	Reference string
	Amount    uint64
}

func (r RefundSOL) Instruction() (solana.Instruction, error) {
	vault, _, err := VaultAddress(r.Program, r.Merchant)
	if err != nil {
		return nil, err
	}
	record, _, err := RefundRecordAddress(r.Program, r.Reference)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(RefundSOLDiscriminator, refundArgs{Reference: r.Reference, Amount: r.Amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(r.Program, solana.AccountMetaSlice{
		// Optional fee_payer account, left empty.
		solana.Meta(r.Program),
		solana.Meta(r.Owner).WRITE().SIGNER(),
		solana.Meta(r.Merchant),
		solana.Meta(vault).WRITE(),
		solana.Meta(record).WRITE(),
		solana.Meta(r.Recipient).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

// RefundToken returns stablecoin units from the merchant's token account to
// the recipient's and records the reference.
type RefundToken struct {
	Program   solana.PublicKey
	Owner     solana.PublicKey
	Merchant  solana.PublicKey
	Mint      solana.PublicKey
	Recipient solana.PublicKey
	Reference string
	Amount    uint64
}

func (r RefundToken) Instruction() (solana.Instruction, error) {
	merchantATA, recipientATA, err := tokenAccounts(r.Merchant, r.Recipient, r.Mint)
	if err != nil {
		return nil, err
	}
	record, _, err := RefundRecordAddress(r.Program, r.Reference)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(RefundTokenDiscriminator, refundArgs{Reference: r.Reference, Amount: r.Amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(r.Program, solana.AccountMetaSlice{
		solana.Meta(r.Owner).WRITE().SIGNER(),
		solana.Meta(r.Merchant),
		solana.Meta(r.Mint),
		solana.Meta(merchantATA).WRITE(),
		solana.Meta(recipientATA).WRITE(),
		solana.Meta(record).WRITE(),
		solana.Meta(r.Recipient),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

type amountArgs struct {
	Amount uint64
}

type refundArgs struct {
	Reference string
	Amount    uint64
}

func instructionData(discriminator bin.TypeID, args interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, fmt.Errorf("merchant: encode instruction: %w", err)
	}
	return buf.Bytes(), nil
}

func tokenAccounts(merchantAddr, counterparty, mint solana.PublicKey) (solana.PublicKey, solana.PublicKey, error) {
	merchantATA, _, err := solana.FindAssociatedTokenAddress(merchantAddr, mint)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("merchant: derive merchant token account: %w", err)
	}
	other, _, err := solana.FindAssociatedTokenAddress(counterparty, mint)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("merchant: derive token account for %s: %w", counterparty, err)
	}
	return merchantATA, other, nil
}
