package merchant

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	merchantSeed = "merchant"
	globalSeed   = "global"
)

// DefaultHouse is the house address configured by the program at genesis. The
// relay prefers the value read from the global account.
var DefaultHouse = solana.MustPublicKeyFromBase58("Hth4EBxLWJSoRWj7raCKoniuzcvXt8MUFgGKty3B66ih")

// MerchantAddress derives the merchant account for an owner and entity name.
func MerchantAddress(program, owner solana.PublicKey, entityName string) (solana.PublicKey, uint8, error) {
	if len(entityName) > MaxEntityNameLen {
		return solana.PublicKey{}, 0, fmt.Errorf("merchant: entity name length %d exceeds %d", len(entityName), MaxEntityNameLen)
	}
	addr, bump, err := solana.FindProgramAddress([][]byte{
		[]byte(merchantSeed),
		[]byte(entityName),
		owner.Bytes(),
	}, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("merchant: derive address: %w", err)
	}
	return addr, bump, nil
}

// GlobalAddress derives the program's global configuration account.
func GlobalAddress(program solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(globalSeed)}, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("merchant: derive global address: %w", err)
	}
	return addr, bump, nil
}
