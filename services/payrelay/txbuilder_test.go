package payrelay

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/require"

	"sponsorpay/native/fees"
	"sponsorpay/native/merchant"
	"sponsorpay/native/stablecoin"
)

type builderFixture struct {
	chain    *stubChain
	feePayer solana.PublicKey
	customer solana.PublicKey
	acme     AccountData
	usdc     stablecoin.Descriptor
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	f := &builderFixture{
		chain:    newStubChain(),
		feePayer: newWallet(t).PublicKey(),
		customer: newWallet(t).PublicKey(),
	}
	var err error
	f.usdc, err = stablecoin.Lookup("USDC")
	require.NoError(t, err)
	f.acme = merchantFixture(t, newWallet(t).PublicKey(), "Acme", true, true)
	f.chain.put(f.acme)
	f.chain.put(mintFixture(f.usdc.Mint(stablecoin.NetworkTest), f.usdc.Decimals))
	f.chain.put(tokenAccountFixture(t, f.customer, f.usdc.Mint(stablecoin.NetworkTest), 50_000_000))
	return f
}

func (f *builderFixture) builder(house solana.PublicKey) *TransactionBuilder {
	chains := map[stablecoin.Network]ChainClient{stablecoin.NetworkTest: f.chain}
	return NewTransactionBuilder(NewRegistry(testProgram, chains), chains, f.feePayer, fees.DefaultPolicy(), house, nil)
}

func (f *builderFixture) payment(asset stablecoin.Descriptor, amount uint64, memo string) payment {
	return payment{merchant: f.acme.Address, network: stablecoin.NetworkTest, asset: asset, amount: amount, memo: memo}
}

type systemTransfer struct {
	from, to solana.PublicKey
	lamports uint64
}

func systemTransfers(t *testing.T, tx *solana.Transaction) []systemTransfer {
	t.Helper()
	var out []systemTransfer
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.Program(ix.ProgramIDIndex)
		require.NoError(t, err)
		if !program.Equals(system.ProgramID) {
			continue
		}
		require.Len(t, []byte(ix.Data), 12)
		require.Equal(t, uint32(system.Instruction_Transfer), binary.LittleEndian.Uint32(ix.Data[:4]))
		out = append(out, systemTransfer{
			from:     tx.Message.AccountKeys[ix.Accounts[0]],
			to:       tx.Message.AccountKeys[ix.Accounts[1]],
			lamports: binary.LittleEndian.Uint64(ix.Data[4:]),
		})
	}
	return out
}

func TestBuildNativePaymentSplitsLamports(t *testing.T) {
	f := newBuilderFixture(t)
	sol, err := stablecoin.Lookup("SOL")
	require.NoError(t, err)

	relay, err := f.builder(solana.PublicKey{}).Build(context.Background(), f.payment(sol, 2_000_000_000, ""), f.customer)
	require.NoError(t, err)
	require.Equal(t, fees.Split{Gross: 2_000_000_000, Merchant: 1_980_000_000, House: 20_000_000}, relay.Split)
	require.Equal(t, merchant.DefaultHouse, relay.House)
	require.Equal(t, []systemTransfer{
		{from: f.customer, to: f.acme.Address, lamports: 1_980_000_000},
		{from: f.customer, to: merchant.DefaultHouse, lamports: 20_000_000},
	}, systemTransfers(t, relay.Transaction))
	require.Equal(t, "Pay 2 SOL to Acme", relay.Message)
}

func TestBuildTokenPaymentWithHouseOverride(t *testing.T) {
	f := newBuilderFixture(t)
	house := newWallet(t).PublicKey()

	relay, err := f.builder(house).Build(context.Background(), f.payment(f.usdc, 10_000_000, "order 12"), f.customer)
	require.NoError(t, err)
	tx := relay.Transaction

	require.Equal(t, house, relay.House)
	require.Equal(t, f.feePayer, tx.Message.AccountKeys[0])
	require.Len(t, tx.Signatures, int(tx.Message.Header.NumRequiredSignatures))
	for _, sig := range tx.Signatures {
		require.True(t, sig.IsZero(), "placeholders must be empty")
	}

	// Neither destination token account exists yet.
	require.Equal(t, 2, countProgram(t, tx, associatedtokenaccount.ProgramID))
	require.Equal(t, 1, countProgram(t, tx, MemoProgramID))
	houseATA, _, err := solana.FindAssociatedTokenAddress(house, f.usdc.Mint(stablecoin.NetworkTest))
	require.NoError(t, err)
	transfers := transferCheckedInstructions(t, tx)
	require.Len(t, transfers, 2)
	require.Equal(t, transferChecked{destination: houseATA, amount: 100_000, decimals: 6}, transfers[1])

	decoded := decodeBase64Tx(t, relay.Encoded)
	require.Equal(t, tx.Message.RecentBlockhash, decoded.Message.RecentBlockhash)
}

func TestBuildRejects(t *testing.T) {
	cases := map[string]struct {
		prepare func(t *testing.T, f *builderFixture) (payment, solana.PublicKey)
		field   string
		target  error
	}{
		"fee payer as customer": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				return f.payment(f.usdc, 1_000_000, ""), f.feePayer
			},
			field: "account",
		},
		"no token account": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				return f.payment(f.usdc, 1_000_000, ""), newWallet(t).PublicKey()
			},
			field: "account",
		},
		"insufficient balance": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				return f.payment(f.usdc, 50_000_001, ""), f.customer
			},
			field: "account",
		},
		"token-2022 mint": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				mint := mintFixture(f.usdc.Mint(stablecoin.NetworkTest), f.usdc.Decimals)
				mint.Owner = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
				f.chain.put(mint)
				return f.payment(f.usdc, 1_000_000, ""), f.customer
			},
			field: "token",
		},
		"inactive merchant": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				closed := merchantFixture(t, newWallet(t).PublicKey(), "Closed", false, true)
				f.chain.put(closed)
				p := f.payment(f.usdc, 1_000_000, "")
				p.merchant = closed.Address
				return p, f.customer
			},
			target: ErrMerchantInactive,
		},
		"unserved network": {
			prepare: func(t *testing.T, f *builderFixture) (payment, solana.PublicKey) {
				p := f.payment(f.usdc, 1_000_000, "")
				p.network = stablecoin.NetworkProduction
				return p, f.customer
			},
			target: ErrNetworkNotConfigured,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newBuilderFixture(t)
			p, account := tc.prepare(t, f)
			_, err := f.builder(solana.PublicKey{}).Build(context.Background(), p, account)
			require.Error(t, err)
			if tc.target != nil {
				require.True(t, errors.Is(err, tc.target), "got %v", err)
				return
			}
			var validation *ValidationError
			require.True(t, errors.As(err, &validation), "got %v", err)
			require.Equal(t, tc.field, validation.Field)
		})
	}
}
