package payrelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"sponsorpay/native/merchant"
)

// stubChain is an in-memory ChainClient.
type stubChain struct {
	mu sync.Mutex

	accounts        map[solana.PublicKey]AccountData
	programAccounts []AccountData
	programErr      error
	programCalls    int
	filters         [][]MemcmpFilter

	balance    uint64
	balanceErr error
	blockhash  solana.Hash

	sendFn      func(call int, raw []byte) (solana.Signature, error)
	sent        [][]byte
	statusFn    func(call int) (*SignatureStatus, error)
	statusCalls int
}

func newStubChain() *stubChain {
	return &stubChain{
		accounts:  make(map[solana.PublicKey]AccountData),
		balance:   1_000_000_000,
		blockhash: solana.Hash{7, 7, 7},
	}
}

func (c *stubChain) put(acct AccountData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[acct.Address] = acct
}

func (c *stubChain) setBalance(lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = lamports
}

func (c *stubChain) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *stubChain) ProgramAccounts(_ context.Context, _ solana.PublicKey, filters ...MemcmpFilter) ([]AccountData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programCalls++
	c.filters = append(c.filters, filters)
	if c.programErr != nil {
		return nil, c.programErr
	}
	out := make([]AccountData, len(c.programAccounts))
	copy(out, c.programAccounts)
	return out, nil
}

func (c *stubChain) Account(_ context.Context, address solana.PublicKey) (AccountData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.accounts[address]
	if !ok {
		return AccountData{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return acct, nil
}

func (c *stubChain) Balance(context.Context, solana.PublicKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.balanceErr
}

func (c *stubChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return c.blockhash, nil
}

func (c *stubChain) SendRawTransaction(_ context.Context, raw []byte) (solana.Signature, error) {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), raw...))
	call := len(c.sent)
	fn := c.sendFn
	c.mu.Unlock()
	if fn == nil {
		return solana.Signature{}, nil
	}
	return fn(call, raw)
}

func (c *stubChain) SignatureStatus(context.Context, solana.Signature) (*SignatureStatus, error) {
	c.mu.Lock()
	c.statusCalls++
	call := c.statusCalls
	fn := c.statusFn
	c.mu.Unlock()
	if fn == nil {
		return &SignatureStatus{Level: LevelConfirmed}, nil
	}
	return fn(call)
}

var errTransport = errors.New("connection reset")

var testProgram = solana.MustPublicKeyFromBase58(DefaultProgramID)

func merchantFixture(t *testing.T, owner solana.PublicKey, name string, active, feeEligible bool) AccountData {
	t.Helper()
	addr, bump, err := merchant.MerchantAddress(testProgram, owner, name)
	if err != nil {
		t.Fatalf("derive merchant address: %v", err)
	}
	data, err := merchant.Encode(merchant.Account{
		Owner:       owner,
		EntityName:  name,
		Bump:        bump,
		IsActive:    active,
		FeeEligible: feeEligible,
	})
	if err != nil {
		t.Fatalf("encode merchant: %v", err)
	}
	return AccountData{Address: addr, Owner: testProgram, Lamports: 2_000_000, Data: data}
}

func mintFixture(address solana.PublicKey, decimals uint8) AccountData {
	data := make([]byte, 82)
	data[mintDecimalsOffset] = decimals
	return AccountData{Address: address, Owner: token.ProgramID, Data: data}
}

func tokenAccountFixture(t *testing.T, owner, mint solana.PublicKey, amount uint64) AccountData {
	t.Helper()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("derive ata: %v", err)
	}
	data := make([]byte, 165)
	copy(data[0:32], mint.Bytes())
	copy(data[32:64], owner.Bytes())
	binary.LittleEndian.PutUint64(data[tokenAccountAmountOffset:], amount)
	return AccountData{Address: ata, Owner: token.ProgramID, Data: data}
}

func newWallet(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	return key
}

// signAs fills the signature slot belonging to key.
func signAs(t *testing.T, tx *solana.Transaction, key solana.PrivateKey) {
	t.Helper()
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		if tx.Message.AccountKeys[i].Equals(key.PublicKey()) {
			tx.Signatures[i] = sig
			return
		}
	}
	t.Fatalf("%s is not a required signer", key.PublicKey())
}
