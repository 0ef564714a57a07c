package payrelay

import (
	"context"
	"errors"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"sponsorpay/crypto"
)

func newServiceKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

// unsignedTransfer moves lamports from customer to recipient with feePayer
// declared as the fee payer.
func unsignedTransfer(t *testing.T, feePayer, customer, recipient solana.PublicKey) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1_000, customer, recipient).Build()},
		solana.Hash{1, 2, 3},
		solana.TransactionPayer(feePayer),
	)
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx
}

// customTransaction assembles instructions with feePayer declared as the fee
// payer. The customer signs when the instructions require it.
func customTransaction(t *testing.T, feePayer solana.PublicKey, customer solana.PrivateKey, instructions ...solana.Instruction) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(instructions, solana.Hash{4, 5, 6}, solana.TransactionPayer(feePayer))
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	for _, key := range tx.Message.AccountKeys[:tx.Message.Header.NumRequiredSignatures] {
		if key.Equals(customer.PublicKey()) {
			signAs(t, tx, customer)
		}
	}
	return tx
}

func marshalTx(t *testing.T, tx *solana.Transaction) []byte {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestSignerFloorBoundary(t *testing.T) {
	service := newServiceKey(t)
	customer := newWallet(t)
	floor := DefaultFloor()

	cases := []struct {
		name    string
		balance uint64
		wantErr bool
	}{
		{"below floor", floor.Lamports() - 1, true},
		{"at floor", floor.Lamports(), true},
		{"above floor", floor.Lamports() + 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := newStubChain()
			chain.setBalance(tc.balance)
			signer := NewSigner(service, chain, floor, "test", nil, nil)
			tx := unsignedTransfer(t, service.PublicKey(), customer.PublicKey(), newWallet(t).PublicKey())
			signAs(t, tx, customer)

			_, _, err := signer.Sign(context.Background(), marshalTx(t, tx))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInsufficientFeePayerBalance)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSignerRejectsMalformed(t *testing.T) {
	signer := NewSigner(newServiceKey(t), newStubChain(), DefaultFloor(), "test", nil, nil)
	for name, raw := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte{0xff, 0x01, 0x02},
		"short":   make([]byte, 10),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := signer.Sign(context.Background(), raw)
			require.ErrorIs(t, err, ErrMalformedTransaction)
		})
	}
}

func TestSignerChecksBalanceBeforeDecoding(t *testing.T) {
	chain := newStubChain()
	chain.setBalance(0)
	signer := NewSigner(newServiceKey(t), chain, DefaultFloor(), "test", nil, nil)
	_, _, err := signer.Sign(context.Background(), []byte{0xff})
	require.ErrorIs(t, err, ErrInsufficientFeePayerBalance)
}

func TestSignerRejectsForeignFeePayer(t *testing.T) {
	service := newServiceKey(t)
	customer := newWallet(t)
	signer := NewSigner(service, newStubChain(), DefaultFloor(), "test", nil, nil)

	tx := unsignedTransfer(t, customer.PublicKey(), customer.PublicKey(), newWallet(t).PublicKey())
	signAs(t, tx, customer)
	raw := marshalTx(t, tx)

	signed, out, err := signer.Sign(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnauthorizedFeePayerAssignment)
	require.Nil(t, signed)
	require.Nil(t, out)
}

func TestSignerPreservesExistingSignatures(t *testing.T) {
	service := newServiceKey(t)
	customer := newWallet(t)
	signer := NewSigner(service, newStubChain(), DefaultFloor(), "test", nil, nil)

	tx := unsignedTransfer(t, service.PublicKey(), customer.PublicKey(), newWallet(t).PublicKey())
	signAs(t, tx, customer)
	customerSig := tx.Signatures[1]
	message, err := tx.Message.MarshalBinary()
	require.NoError(t, err)

	signed, raw, err := signer.Sign(context.Background(), marshalTx(t, tx))
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 2)
	require.Equal(t, customerSig, signed.Signatures[1])
	require.True(t, signed.Signatures[0].Verify(service.PublicKey(), message))
	require.True(t, signed.Signatures[1].Verify(customer.PublicKey(), message))

	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	decodedMessage, err := decoded.Message.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, message, decodedMessage)
	require.Equal(t, signed.Signatures, decoded.Signatures)
}

func TestSignerSurfacesBalanceReadFailure(t *testing.T) {
	chain := newStubChain()
	chain.balanceErr = errTransport
	signer := NewSigner(newServiceKey(t), chain, DefaultFloor(), "test", nil, nil)
	_, _, err := signer.Sign(context.Background(), []byte{1})
	require.True(t, errors.Is(err, errTransport))
	require.False(t, errors.Is(err, ErrInsufficientFeePayerBalance))
}

func TestSignerRefusesFeePayerRoles(t *testing.T) {
	service := newServiceKey(t)
	customer := newWallet(t)
	attacker := newWallet(t).PublicKey()
	mint := newWallet(t).PublicKey()
	payer := service.PublicKey()
	customerPay := system.NewTransferInstruction(1_000, customer.PublicKey(), attacker).Build()

	cases := map[string][]solana.Instruction{
		"system transfer from fee payer": {
			system.NewTransferInstruction(900_000_000, payer, attacker).Build(),
		},
		"fee payer as token authority": {
			token.NewTransferCheckedInstruction(1_000_000, 6, newWallet(t).PublicKey(), mint, attacker, payer, nil).Build(),
		},
		"fee payer owns created account": {
			associatedtokenaccount.NewCreateInstruction(customer.PublicKey(), payer, mint).Build(),
		},
		"too many sponsored accounts": {
			associatedtokenaccount.NewCreateInstruction(payer, newWallet(t).PublicKey(), mint).Build(),
			associatedtokenaccount.NewCreateInstruction(payer, newWallet(t).PublicKey(), mint).Build(),
			associatedtokenaccount.NewCreateInstruction(payer, newWallet(t).PublicKey(), mint).Build(),
			customerPay,
		},
		"priority fee above cap": {
			computebudget.NewSetComputeUnitPriceInstruction(MaxComputeUnitPrice + 1).Build(),
			customerPay,
		},
	}
	for name, instructions := range cases {
		t.Run(name, func(t *testing.T) {
			chain := newStubChain()
			signer := NewSigner(service, chain, DefaultFloor(), "test", nil, nil)
			tx := customTransaction(t, payer, customer, instructions...)

			signed, out, err := signer.Sign(context.Background(), marshalTx(t, tx))
			require.ErrorIs(t, err, ErrUnauthorizedFeePayerAssignment)
			require.Nil(t, signed)
			require.Nil(t, out)
			require.Zero(t, chain.sendCount())
		})
	}
}

func TestSignerAllowsSponsoredAccountCreation(t *testing.T) {
	service := newServiceKey(t)
	customer := newWallet(t)
	mint := newWallet(t).PublicKey()
	signer := NewSigner(service, newStubChain(), DefaultFloor(), "test", nil, nil)

	tx := customTransaction(t, service.PublicKey(), customer,
		computebudget.NewSetComputeUnitPriceInstruction(MaxComputeUnitPrice).Build(),
		associatedtokenaccount.NewCreateInstruction(service.PublicKey(), newWallet(t).PublicKey(), mint).Build(),
		associatedtokenaccount.NewCreateInstruction(service.PublicKey(), newWallet(t).PublicKey(), mint).Build(),
		system.NewTransferInstruction(1_000, customer.PublicKey(), newWallet(t).PublicKey()).Build(),
	)
	signed, _, err := signer.Sign(context.Background(), marshalTx(t, tx))
	require.NoError(t, err)
	require.False(t, signed.Signatures[0].IsZero())
}
