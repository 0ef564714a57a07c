package stablecoin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Network selects which deployment of an asset a payment settles on.
type Network string

const (
	NetworkProduction Network = "production"
	NetworkTest       Network = "test"
)

// DefaultSymbol is used when a request does not name an asset.
const DefaultSymbol = "USDC"

var (
	ErrUnsupportedAsset   = errors.New("stablecoin: unsupported asset")
	ErrUnsupportedNetwork = errors.New("stablecoin: unsupported network")
	ErrToken2022Mint      = errors.New("stablecoin: mint is managed by the token-2022 program")
)

// ParseNetwork normalises a network label. The legacy cluster names are accepted
// as aliases so links minted by older clients keep resolving.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "mainnet", "mainnet-beta":
		return NetworkProduction, nil
	case "test", "devnet":
		return NetworkTest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, raw)
	}
}

// Descriptor is the static configuration of a supported asset.
type Descriptor struct {
	Symbol      string
	DisplayName string
	Decimals    uint8
	MainnetMint solana.PublicKey
	DevnetMint  solana.PublicKey
	// IsNative marks the chain's gas asset. Its mint is the wrapped representation.
	IsNative bool
	// MainnetToken2022 marks assets whose production mint is owned by the
	// token-2022 program, which the relay does not move.
	MainnetToken2022 bool
}

// Mint resolves the mint address for the supplied network.
func (d Descriptor) Mint(network Network) solana.PublicKey {
	if network == NetworkTest {
		return d.DevnetMint
	}
	return d.MainnetMint
}

// CheckNetwork reports whether payments in d can settle on network.
func (d Descriptor) CheckNetwork(network Network) error {
	if network == NetworkProduction && d.MainnetToken2022 {
		return fmt.Errorf("%w: %s on %s", ErrToken2022Mint, d.Symbol, network)
	}
	return nil
}

var table = map[string]Descriptor{
	"SOL": {
		Symbol:      "SOL",
		DisplayName: "Solana",
		Decimals:    9,
		MainnetMint: solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		DevnetMint:  solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		IsNative:    true,
	},
	"USDC": {
		Symbol:      "USDC",
		DisplayName: "USD Coin",
		Decimals:    6,
		MainnetMint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		DevnetMint:  solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
	},
	"USDT": {
		Symbol:      "USDT",
		DisplayName: "Tether USD",
		Decimals:    6,
		MainnetMint: solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"),
		DevnetMint:  solana.MustPublicKeyFromBase58("BcCSBRdBkPY3jBjZtokc8MmUH2kpJ5Rm81r28KmBteB"),
	},
	"PYUSD": {
		Symbol:           "PYUSD",
		DisplayName:      "PayPal USD",
		Decimals:         6,
		MainnetMint:      solana.MustPublicKeyFromBase58("2b1kV6DkPAnxd5ixfnxCpjxmKwqjjaYmCZfHsFu24GXo"),
		DevnetMint:       solana.MustPublicKeyFromBase58("CXk2AMBfi3TwaEL2468s6zP8xq9NxTXjp9gjMgzeUynM"),
		MainnetToken2022: true,
	},
	"FDUSD": {
		Symbol:      "FDUSD",
		DisplayName: "First Digital USD",
		Decimals:    6,
		MainnetMint: solana.MustPublicKeyFromBase58("3dXiUBM6cqFSvJ2f8XnQEq2hPfNqjGzW4HQKo54fCzf8"),
		DevnetMint:  solana.MustPublicKeyFromBase58("HhYomDuTuBjPUpQX6mBJe8LoJBcg5MFdGSnqLAeiushg"),
	},
	"USDG": {
		Symbol:           "USDG",
		DisplayName:      "USDG Stablecoin",
		Decimals:         6,
		MainnetMint:      solana.MustPublicKeyFromBase58("2u1tszSeqZ3qBWF3uNGPFc8TzMk2tdiwknnRMWGWjGWH"),
		DevnetMint:       solana.MustPublicKeyFromBase58("yubLhmuwu83LcRdXJxvKG4RZkXYeeaL3wGjc8XAUVY9"),
		MainnetToken2022: true,
	},
}

// Lookup returns the descriptor for the symbol, case-insensitively.
func Lookup(symbol string) (Descriptor, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		normalized = DefaultSymbol
	}
	desc, ok := table[normalized]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, symbol)
	}
	return desc, nil
}

// Symbols lists the supported assets in lexical order.
func Symbols() []string {
	out := make([]string, 0, len(table))
	for symbol := range table {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// All returns every descriptor ordered by symbol.
func All() []Descriptor {
	symbols := Symbols()
	out := make([]Descriptor, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, table[symbol])
	}
	return out
}
