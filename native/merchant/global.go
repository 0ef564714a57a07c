package merchant

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// GlobalDiscriminator is sha256("account:Global")[:8].
var GlobalDiscriminator = [DiscriminatorLen]byte{167, 232, 232, 177, 200, 108, 114, 127}

const globalAccountLen = DiscriminatorLen + solana.PublicKeyLength + 1

// GlobalConfig names the house account that receives the platform share.
type GlobalConfig struct {
	House      solana.PublicKey `json:"house"`
	GlobalBump uint8            `json:"globalBump"`
}

type rawGlobal struct {
	Discriminator [DiscriminatorLen]byte
	House         solana.PublicKey
	GlobalBump    uint8
}

// DecodeGlobal parses the program's global configuration account.
func DecodeGlobal(address solana.PublicKey, data []byte) (GlobalConfig, error) {
	if len(data) < globalAccountLen {
		return GlobalConfig{}, &DecodeError{Address: address, Err: fmt.Errorf("short global data: %d bytes", len(data))}
	}
	if !bytes.Equal(data[:DiscriminatorLen], GlobalDiscriminator[:]) {
		return GlobalConfig{}, &DecodeError{Address: address, Err: ErrDiscriminatorMismatch}
	}
	var raw rawGlobal
	if err := bin.NewBorshDecoder(data).Decode(&raw); err != nil {
		return GlobalConfig{}, &DecodeError{Address: address, Err: err}
	}
	return GlobalConfig{House: raw.House, GlobalBump: raw.GlobalBump}, nil
}

// EncodeGlobal serialises a global configuration account.
func EncodeGlobal(cfg GlobalConfig) ([]byte, error) {
	var buf bytes.Buffer
	raw := rawGlobal{Discriminator: GlobalDiscriminator, House: cfg.House, GlobalBump: cfg.GlobalBump}
	if err := bin.NewBorshEncoder(&buf).Encode(raw); err != nil {
		return nil, fmt.Errorf("merchant: encode global: %w", err)
	}
	return buf.Bytes(), nil
}
