package fund

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// WeightRelayer is an in-memory domain.WeightController with a fixed
// relative weight per pool.
type WeightRelayer struct {
	mu      sync.RWMutex
	weights map[common.Address]*big.Int
}

// NewWeightRelayer creates an empty relayer; pools default to zero weight.
func NewWeightRelayer() *WeightRelayer {
	return &WeightRelayer{weights: make(map[common.Address]*big.Int)}
}

// SetWeight fixes a pool's relative weight (18-decimal fraction in [0, 1]).
func (w *WeightRelayer) SetWeight(pool common.Address, weight *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights[pool] = new(big.Int).Set(weight)
}

// RelativeWeight implements domain.WeightController.
func (w *WeightRelayer) RelativeWeight(pool common.Address, timestamp int64) *big.Int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if v, ok := w.weights[pool]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Roster is an in-memory domain.MembershipGate tracking per-account
// qualifying balances against a fixed threshold.
type Roster struct {
	mu        sync.RWMutex
	threshold *big.Int
	stakes    map[common.Address]*big.Int
	droppedAt map[common.Address]int64 // last time stake fell below threshold
}

// NewRoster creates a Roster with the given qualification threshold.
func NewRoster(threshold *big.Int) *Roster {
	return &Roster{
		threshold: new(big.Int).Set(threshold),
		stakes:    make(map[common.Address]*big.Int),
		droppedAt: make(map[common.Address]int64),
	}
}

// SetStake updates an account's qualifying balance as of timestamp.
func (r *Roster) SetStake(account common.Address, stake *big.Int, timestamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.stakes[account]
	r.stakes[account] = new(big.Int).Set(stake)
	if stake.Cmp(r.threshold) < 0 && (!had || prev.Cmp(r.threshold) >= 0) {
		r.droppedAt[account] = timestamp
	}
}

// IsEligible implements domain.MembershipGate.
func (r *Roster) IsEligible(account common.Address, timestamp int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stake, ok := r.stakes[account]
	return ok && stake.Cmp(r.threshold) >= 0
}

// TimestampBelowThreshold implements domain.MembershipGate.
func (r *Roster) TimestampBelowThreshold(account common.Address, threshold *big.Int) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stake, ok := r.stakes[account]
	if !ok || stake.Cmp(threshold) < 0 {
		return r.droppedAt[account]
	}
	return 0
}
