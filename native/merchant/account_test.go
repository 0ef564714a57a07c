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
	testOwner   = solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	testProgram = solana.MustPublicKeyFromBase58("E6MRtJg483SVLY7EvryXJXPSLybRZyCCTsDY4BhNQYb")
)

// fixture lays the record out by hand so the test fails if the decoder drifts
// from the on-chain layout.
func fixture(name string, active, eligible bool) []byte {
	out := make([]byte, 0, 128)
	out = append(out, AccountDiscriminator[:]...)
	out = append(out, testOwner.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(name)))
	out = append(out, name...)
	out = append(out, 254)
	out = append(out, boolByte(active), boolByte(eligible))
	out = binary.LittleEndian.AppendUint64(out, 1_500_000)
	out = binary.LittleEndian.AppendUint64(out, 25_000)
	return out
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func TestDiscriminatorsMatchAnchorNaming(t *testing.T) {
	sum := sha256.Sum256([]byte("account:Merchant"))
	require.Equal(t, sum[:8], AccountDiscriminator[:])

	sum = sha256.Sum256([]byte("account:Global"))
	require.Equal(t, sum[:8], GlobalDiscriminator[:])
}

func TestLayoutOffsets(t *testing.T) {
	data := fixture("Acme", true, true)
	require.Equal(t, 8, OwnerOffset)
	require.Equal(t, testOwner.Bytes(), data[OwnerOffset:OwnerOffset+OwnerLen])
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[NameLenOffset:]))
	require.Equal(t, MinAccountLen+4, len(data))
}

func TestDecodeFixture(t *testing.T) {
	addr := solana.NewWallet().PublicKey()
	// Padding mimics an account allocated at maximum size.
	data := append(fixture("Acme", true, true), make([]byte, 28)...)

	acct, err := Decode(addr, data)
	require.NoError(t, err)
	require.Equal(t, addr, acct.Address)
	require.Equal(t, testOwner, acct.Owner)
	require.Equal(t, "Acme", acct.EntityName)
	require.Equal(t, uint8(254), acct.Bump)
	require.True(t, acct.IsActive)
	require.True(t, acct.FeeEligible)
	require.Equal(t, uint64(1_500_000), acct.TotalWithdrawn)
	require.Equal(t, uint64(25_000), acct.TotalRefunded)

	encoded, err := Encode(acct)
	require.NoError(t, err)
	require.Equal(t, fixture("Acme", true, true), encoded)
}

func TestDecodeRejectsForeignAccounts(t *testing.T) {
	data := fixture("Acme", true, false)
	data[0] ^= 0xff
	_, err := Decode(solana.PublicKey{}, data)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.True(t, errors.Is(err, ErrDiscriminatorMismatch))

	_, err = Decode(solana.PublicKey{}, fixture("Acme", true, false)[:20])
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsTruncatedName(t *testing.T) {
	data := fixture("Acme", true, false)
	binary.LittleEndian.PutUint32(data[NameLenOffset:], 200)
	_, err := Decode(solana.PublicKey{}, data)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeGlobal(t *testing.T) {
	data, err := EncodeGlobal(GlobalConfig{House: DefaultHouse, GlobalBump: 255})
	require.NoError(t, err)
	require.Equal(t, globalAccountLen, len(data))
	require.Equal(t, DefaultHouse.Bytes(), data[DiscriminatorLen:DiscriminatorLen+32])

	cfg, err := DecodeGlobal(solana.PublicKey{}, data)
	require.NoError(t, err)
	require.Equal(t, DefaultHouse, cfg.House)
	require.Equal(t, uint8(255), cfg.GlobalBump)

	_, err = DecodeGlobal(solana.PublicKey{}, fixture("Acme", true, true))
	require.ErrorIs(t, err, ErrDiscriminatorMismatch)
}

func TestMerchantAddressMatchesSeeds(t *testing.T) {
	addr, bump, err := MerchantAddress(testProgram, testOwner, "Acme")
	require.NoError(t, err)

	again, err := solana.CreateProgramAddress([][]byte{
		[]byte("merchant"), []byte("Acme"), testOwner.Bytes(), {bump},
	}, testProgram)
	require.NoError(t, err)
	require.Equal(t, addr, again)

	other, _, err := MerchantAddress(testProgram, testOwner, "Acme2")
	require.NoError(t, err)
	require.NotEqual(t, addr, other)

	_, _, err = MerchantAddress(testProgram, testOwner, string(make([]byte, 33)))
	require.Error(t, err)
}

func TestGlobalAddressIsStable(t *testing.T) {
	first, bump, err := GlobalAddress(testProgram)
	require.NoError(t, err)
	second, bump2, err := GlobalAddress(testProgram)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, bump, bump2)
}
