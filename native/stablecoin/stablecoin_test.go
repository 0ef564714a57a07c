package stablecoin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupDefaultsToUSDC(t *testing.T) {
	desc, err := Lookup("")
	require.NoError(t, err)
	require.Equal(t, "USDC", desc.Symbol)
	require.Equal(t, uint8(6), desc.Decimals)

	lower, err := Lookup(" pyusd ")
	require.NoError(t, err)
	require.Equal(t, "PYUSD", lower.Symbol)
}

func TestLookupUnknownAsset(t *testing.T) {
	_, err := Lookup("DOGE")
	require.ErrorIs(t, err, ErrUnsupportedAsset)
}

func TestTableIsConsistent(t *testing.T) {
	seen := make(map[string]bool)
	for _, desc := range All() {
		require.False(t, seen[desc.Symbol], "duplicate symbol %s", desc.Symbol)
		seen[desc.Symbol] = true
		require.False(t, desc.MainnetMint.IsZero(), "%s mainnet mint", desc.Symbol)
		require.False(t, desc.DevnetMint.IsZero(), "%s devnet mint", desc.Symbol)
		if desc.IsNative {
			require.Equal(t, uint8(9), desc.Decimals)
		} else {
			require.Equal(t, uint8(6), desc.Decimals)
		}
	}
	require.Equal(t, []string{"FDUSD", "PYUSD", "SOL", "USDC", "USDG", "USDT"}, Symbols())
}

func TestMintSelectsNetwork(t *testing.T) {
	usdc, err := Lookup("USDC")
	require.NoError(t, err)
	require.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", usdc.Mint(NetworkProduction).String())
	require.Equal(t, "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", usdc.Mint(NetworkTest).String())
}

func TestCheckNetworkRefusesToken2022OnProduction(t *testing.T) {
	for _, desc := range All() {
		err := desc.CheckNetwork(NetworkProduction)
		if desc.Symbol == "PYUSD" || desc.Symbol == "USDG" {
			require.ErrorIs(t, err, ErrToken2022Mint, desc.Symbol)
		} else {
			require.NoError(t, err, desc.Symbol)
		}
		require.NoError(t, desc.CheckNetwork(NetworkTest), desc.Symbol)
	}
}

func TestParseNetwork(t *testing.T) {
	cases := map[string]Network{
		"production":   NetworkProduction,
		"mainnet-beta": NetworkProduction,
		"TEST":         NetworkTest,
		"devnet":       NetworkTest,
	}
	for raw, want := range cases {
		got, err := ParseNetwork(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseNetwork("testnet")
	require.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	usdc, _ := Lookup("USDC")
	units, err := usdc.ToBaseUnits("12.34")
	require.NoError(t, err)
	require.Equal(t, uint64(12_340_000), units)
	require.Equal(t, "12.34", usdc.FormatBaseUnits(units))

	for _, desc := range All() {
		units, err := desc.ToBaseUnits("1.5")
		if err != nil {
			t.Fatalf("%s: %v", desc.Symbol, err)
		}
		if got := desc.FormatBaseUnits(units); got != "1.5" {
			t.Fatalf("%s: round trip produced %q", desc.Symbol, got)
		}
	}

	sol, _ := Lookup("SOL")
	units, err = sol.ToBaseUnits("0.000000001")
	require.NoError(t, err)
	require.Equal(t, uint64(1), units)
}

func TestToBaseUnitsRejects(t *testing.T) {
	usdc, _ := Lookup("USDC")
	cases := []struct {
		input string
		want  error
	}{
		{"", ErrInvalidAmount},
		{"-1", ErrInvalidAmount},
		{"1e3", ErrInvalidAmount},
		{"1.", ErrInvalidAmount},
		{".5", ErrInvalidAmount},
		{"abc", ErrInvalidAmount},
		{"0", ErrAmountNotPositive},
		{"0.000", ErrAmountNotPositive},
		{"0.0000001", ErrAmountPrecision},
		{"18446744073709.551616", ErrAmountOverflow},
	}
	for _, tc := range cases {
		_, err := usdc.ToBaseUnits(tc.input)
		if !errors.Is(err, tc.want) {
			t.Fatalf("input %q: expected %v, got %v", tc.input, tc.want, err)
		}
	}

	max, err := usdc.ToBaseUnits("18446744073709.551615")
	require.NoError(t, err)
	require.Equal(t, uint64(18446744073709551615), max)
}
