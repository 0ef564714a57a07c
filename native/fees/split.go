// Package fees computes how a payment is divided between the merchant and the
// house account.
package fees

import (
	"errors"

	"github.com/holiman/uint256"
)

// Shares are expressed per mille, mirroring the program's constants.
const (
	ShareDenominator = 1000
	OwnerShare       = 990
	HouseShare       = 10
)

var ErrInvalidPolicy = errors.New("fees: house share exceeds denominator")

// Policy configures the house share. The zero value applies the default share.
type Policy struct {
	HouseShare uint64
}

// DefaultPolicy returns the program's standard 1% house share.
func DefaultPolicy() Policy {
	return Policy{HouseShare: HouseShare}
}

// Validate reports whether the policy can produce a split.
func (p Policy) Validate() error {
	if p.share() > ShareDenominator {
		return ErrInvalidPolicy
	}
	return nil
}

func (p Policy) share() uint64 {
	if p.HouseShare == 0 {
		return HouseShare
	}
	return p.HouseShare
}

// Split is the result of dividing an amount. Merchant+House always equals Gross.
type Split struct {
	Gross    uint64 `json:"gross"`
	Merchant uint64 `json:"merchant"`
	House    uint64 `json:"house"`
}

// Apply divides amount for a merchant. Fee-eligible merchants pay
// floor(amount*share/1000) to the house; everyone else keeps the full amount.
func (p Policy) Apply(amount uint64, feeEligible bool) Split {
	result := Split{Gross: amount, Merchant: amount}
	if !feeEligible || amount == 0 {
		return result
	}
	share := p.share()
	if share > ShareDenominator {
		share = ShareDenominator
	}
	// amount*share can exceed 64 bits for large amounts.
	house := new(uint256.Int).SetUint64(amount)
	house.Mul(house, uint256.NewInt(share))
	house.Div(house, uint256.NewInt(ShareDenominator))
	result.House = house.Uint64()
	result.Merchant = amount - result.House
	return result
}
