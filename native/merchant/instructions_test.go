package merchant

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var (
	testMint      = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	testRecipient = solana.MustPublicKeyFromBase58("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
)

func TestInstructionDiscriminatorsMatchAnchorNaming(t *testing.T) {
	for name, got := range map[string][8]byte{
		"withdraw_sol": WithdrawSOLDiscriminator,
		"withdraw_spl": WithdrawTokenDiscriminator,
		"refund_sol":   RefundSOLDiscriminator,
		"refund_spl":   RefundTokenDiscriminator,
	} {
		sum := sha256.Sum256([]byte("global:" + name))
		require.Equal(t, sum[:8], got[:], name)
	}
}

func metaKeys(ix solana.Instruction) []solana.PublicKey {
	var out []solana.PublicKey
	for _, m := range ix.Accounts() {
		out = append(out, m.PublicKey)
	}
	return out
}

func TestWithdrawSOLInstruction(t *testing.T) {
	merchantAddr, _, err := MerchantAddress(testProgram, testOwner, "Acme")
	require.NoError(t, err)
	vault, _, err := VaultAddress(testProgram, merchantAddr)
	require.NoError(t, err)

	ix, err := WithdrawSOL{Program: testProgram, Owner: testOwner, Merchant: merchantAddr, House: DefaultHouse, Amount: 5_000}.Instruction()
	require.NoError(t, err)
	require.Equal(t, testProgram, ix.ProgramID())
	require.Equal(t, []solana.PublicKey{testOwner, merchantAddr, vault, DefaultHouse, solana.SystemProgramID}, metaKeys(ix))
	accounts := ix.Accounts()
	require.True(t, accounts[0].IsSigner && accounts[0].IsWritable)
	require.False(t, accounts[1].IsWritable)
	require.True(t, accounts[2].IsWritable)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 16)
	require.Equal(t, WithdrawSOLDiscriminator[:], data[:8])
	require.Equal(t, uint64(5_000), binary.LittleEndian.Uint64(data[8:]))
}

func TestWithdrawTokenInstructionUsesMerchantTokenAccount(t *testing.T) {
	merchantAddr, _, err := MerchantAddress(testProgram, testOwner, "Acme")
	require.NoError(t, err)
	ix, err := WithdrawToken{Program: testProgram, Owner: testOwner, Merchant: merchantAddr, Mint: testMint, House: DefaultHouse, Amount: 250}.Instruction()
	require.NoError(t, err)

	merchantATA, _, _ := solana.FindAssociatedTokenAddress(merchantAddr, testMint)
	ownerATA, _, _ := solana.FindAssociatedTokenAddress(testOwner, testMint)
	houseATA, _, _ := solana.FindAssociatedTokenAddress(DefaultHouse, testMint)
	require.Equal(t, []solana.PublicKey{
		testOwner, merchantAddr, testMint, merchantATA, ownerATA, DefaultHouse, houseATA,
		solana.SPLAssociatedTokenAccountProgramID, solana.TokenProgramID, solana.SystemProgramID,
	}, metaKeys(ix))

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, WithdrawTokenDiscriminator[:], data[:8])
	require.Equal(t, uint64(250), binary.LittleEndian.Uint64(data[8:]))
}

func TestRefundInstructionsEncodeReference(t *testing.T) {
	merchantAddr, _, err := MerchantAddress(testProgram, testOwner, "Acme")
	require.NoError(t, err)
	record, _, err := RefundRecordAddress(testProgram, "5VERv8NM")
	require.NoError(t, err)

	sol, err := RefundSOL{Program: testProgram, Owner: testOwner, Merchant: merchantAddr, Recipient: testRecipient, Reference: "5VERv8NM", Amount: 7}.Instruction()
	require.NoError(t, err)
	keys := metaKeys(sol)
	require.Equal(t, testProgram, keys[0], "empty optional fee payer slot")
	require.False(t, sol.Accounts()[0].IsSigner)
	require.Equal(t, record, keys[4])
	require.Equal(t, testRecipient, keys[5])

	data, err := sol.Data()
	require.NoError(t, err)
	require.Equal(t, RefundSOLDiscriminator[:], data[:8])
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(data[8:12]))
	require.Equal(t, "5VERv8NM", string(data[12:20]))
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[20:]))

	spl, err := RefundToken{Program: testProgram, Owner: testOwner, Merchant: merchantAddr, Mint: testMint, Recipient: testRecipient, Reference: "5VERv8NM", Amount: 7}.Instruction()
	require.NoError(t, err)
	recipientATA, _, _ := solana.FindAssociatedTokenAddress(testRecipient, testMint)
	keys = metaKeys(spl)
	require.Len(t, keys, 10)
	require.Equal(t, recipientATA, keys[4])
	require.Equal(t, record, keys[5])
	require.Equal(t, testRecipient, keys[6])
	data, err = spl.Data()
	require.NoError(t, err)
	require.Equal(t, RefundTokenDiscriminator[:], data[:8])
}

func TestRefundReference(t *testing.T) {
	ref, err := RefundReference("5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")
	require.NoError(t, err)
	require.Equal(t, "5VERv8NM", ref)

	ref, err = RefundReference(" abc ")
	require.NoError(t, err)
	require.Equal(t, "abc", ref)

	for _, bad := range []string{"", "   ", "0OIl0OIl"} {
		_, err := RefundReference(bad)
		require.True(t, errors.Is(err, ErrInvalidReference), bad)
	}
}
