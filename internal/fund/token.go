package fund

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// exchangeVault is the internal address holding tokens pulled into the
// exchange by TransferFrom.
var exchangeVault = common.HexToAddress("0x00000000000000000000000000000000000e9c4a")

// Token is an in-memory asset ledger implementing domain.AssetToken. It
// doubles as the inflation token by exposing Mint.
type Token struct {
	name     string
	decimals uint8

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	rates    []ratePoint // emission schedule, sorted by timestamp
}

type ratePoint struct {
	timestamp int64
	rate      *big.Int
}

// NewToken creates an empty token ledger with the given native precision.
func NewToken(name string, decimals uint8) *Token {
	return &Token{
		name:     name,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
	}
}

// Decimals implements domain.AssetToken.
func (t *Token) Decimals() uint8 { return t.decimals }

// BalanceOf returns the current balance of an account.
func (t *Token) BalanceOf(account common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Mint credits newly created tokens to an account. Implements the mint half
// of domain.InflationToken.
func (t *Token) Mint(to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token %s: mint negative amount", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
	return nil
}

// Transfer moves tokens out of the exchange vault. Implements
// domain.AssetToken.
func (t *Token) Transfer(to common.Address, amount *big.Int) error {
	return t.move(exchangeVault, to, amount)
}

// TransferFrom pulls tokens from an external account into the exchange
// vault. Implements domain.AssetToken.
func (t *Token) TransferFrom(from common.Address, amount *big.Int) error {
	return t.move(from, exchangeVault, amount)
}

func (t *Token) move(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token %s: negative transfer", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("token %s: transfer from %s: %w", t.name, from, domain.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(to common.Address, amount *big.Int) {
	if b, ok := t.balances[to]; ok {
		b.Add(b, amount)
	} else {
		t.balances[to] = new(big.Int).Set(amount)
	}
}

// SetRate records the emission rate effective from timestamp onward.
// Timestamps must be appended in non-decreasing order.
func (t *Token) SetRate(timestamp int64, rate *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates = append(t.rates, ratePoint{timestamp: timestamp, rate: new(big.Int).Set(rate)})
}

// CurrentRate implements the rate half of domain.InflationToken.
func (t *Token) CurrentRate(timestamp int64) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rate := new(big.Int)
	for _, p := range t.rates {
		if p.timestamp <= timestamp {
			rate.Set(p.rate)
		} else {
			break
		}
	}
	return rate
}
