package credit

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// maxCollateralTokens bounds the registry at the mask width: the underlying
// plus up to 255 further tokens.
const maxCollateralTokens = 256

// CollateralToken is a read-only snapshot of one registry slot.
type CollateralToken struct {
	Token                common.Address
	Index                uint8
	LiquidationThreshold uint16
	Quoted               bool
}

type tokenSlot struct {
	token        common.Address
	ltInitial    uint16
	ltFinal      uint16
	rampStart    int64
	rampDuration int64
}

// TokenRegistry is the append-only mapping between collateral tokens, their
// mask bit positions and their liquidation thresholds. Slot 0 is fixed to the
// pool underlying at construction; all later slots are assigned in
// registration order and never reused.
type TokenRegistry struct {
	mu     sync.RWMutex
	slots  []tokenSlot
	index  map[common.Address]uint8
	quoted TokenMask
	nowFn  func() int64
}

// NewTokenRegistry creates a registry with the underlying installed at slot 0
// and a zero threshold everywhere.
func NewTokenRegistry(underlying common.Address) *TokenRegistry {
	r := &TokenRegistry{
		index: make(map[common.Address]uint8),
		nowFn: func() int64 { return time.Now().Unix() },
	}
	r.slots = append(r.slots, tokenSlot{token: underlying})
	r.index[underlying] = 0
	return r
}

// SetNowFunc overrides the registry clock. Tests drive ramps with it.
func (r *TokenRegistry) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Underlying returns the token at slot 0.
func (r *TokenRegistry) Underlying() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[0].token
}

// Count returns the number of registered tokens including the underlying.
func (r *TokenRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// AddToken appends a collateral token at the next free slot with threshold
// zero and returns its mask.
func (r *TokenRegistry) AddToken(token common.Address) (TokenMask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[token]; exists {
		return TokenMask{}, ErrTokenAlreadyAdded
	}
	if len(r.slots) >= maxCollateralTokens {
		return TokenMask{}, ErrTooManyTokens
	}
	slot := uint8(len(r.slots))
	r.slots = append(r.slots, tokenSlot{token: token})
	r.index[token] = slot
	return MaskAt(slot), nil
}

// SetLiquidationThreshold pins the token's threshold to a fixed value,
// cancelling any ramp in progress.
func (r *TokenRegistry) SetLiquidationThreshold(token common.Address, bps uint16) error {
	if bps > PercentageFactor {
		return ErrInvalidLiquidationThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, exists := r.index[token]
	if !exists {
		return tokenNotAllowed(token)
	}
	r.slots[slot] = tokenSlot{token: token, ltInitial: bps, ltFinal: bps}
	return nil
}

// RampLiquidationThreshold starts a linear transition from the threshold
// effective at rampStart to finalBps over rampDuration seconds. A rampStart in
// the past is clamped to now.
func (r *TokenRegistry) RampLiquidationThreshold(token common.Address, finalBps uint16, rampStart, rampDuration int64) error {
	if finalBps > PercentageFactor {
		return ErrInvalidLiquidationThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, exists := r.index[token]
	if !exists {
		return tokenNotAllowed(token)
	}
	now := r.nowFn()
	if rampStart < now {
		rampStart = now
	}
	if rampDuration < 0 {
		rampDuration = 0
	}
	initial := thresholdAt(r.slots[slot], rampStart)
	r.slots[slot] = tokenSlot{
		token:        token,
		ltInitial:    initial,
		ltFinal:      finalBps,
		rampStart:    rampStart,
		rampDuration: rampDuration,
	}
	return nil
}

// LiquidationThreshold returns the threshold effective at the current clock.
func (r *TokenRegistry) LiquidationThreshold(token common.Address) (uint16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, exists := r.index[token]
	if !exists {
		return 0, tokenNotAllowed(token)
	}
	return thresholdAt(r.slots[slot], r.nowFn()), nil
}

// thresholdBySlot serves the valuation loop which already resolved indexes.
func (r *TokenRegistry) thresholdBySlot(slot uint8, at int64) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(slot) >= len(r.slots) {
		return 0
	}
	return thresholdAt(r.slots[slot], at)
}

// thresholdAt interpolates the effective threshold at time t. Integer division
// truncates toward zero, which biases the intermediate value toward the ramp's
// starting threshold in both ramp directions.
func thresholdAt(s tokenSlot, t int64) uint16 {
	if s.rampDuration == 0 || t <= s.rampStart {
		if s.rampDuration == 0 && t >= s.rampStart {
			return s.ltFinal
		}
		return s.ltInitial
	}
	if t >= s.rampStart+s.rampDuration {
		return s.ltFinal
	}
	delta := int64(s.ltFinal) - int64(s.ltInitial)
	progressed := delta * (t - s.rampStart) / s.rampDuration
	return uint16(int64(s.ltInitial) + progressed)
}

// MaskOf resolves a token to its single-bit mask.
func (r *TokenRegistry) MaskOf(token common.Address) (TokenMask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, exists := r.index[token]
	if !exists {
		return TokenMask{}, tokenNotAllowed(token)
	}
	return MaskAt(slot), nil
}

// TokenBySlot resolves a slot index back to its token.
func (r *TokenRegistry) TokenBySlot(slot uint8) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(slot) >= len(r.slots) {
		return common.Address{}, ErrTokenNotAllowed
	}
	return r.slots[slot].token, nil
}

// MarkQuoted flags a token as quota-managed. The quota keeper calls this when
// a token receives a quota market.
func (r *TokenRegistry) MarkQuoted(token common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, exists := r.index[token]
	if !exists {
		return tokenNotAllowed(token)
	}
	if slot == 0 {
		return ErrUnderlyingNotQuotable
	}
	r.quoted = r.quoted.Enable(MaskAt(slot))
	return nil
}

// QuotedMask returns the mask of all quota-managed tokens.
func (r *TokenRegistry) QuotedMask() TokenMask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quoted
}

// Tokens returns a snapshot of every slot at the current clock.
func (r *TokenRegistry) Tokens() []CollateralToken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.nowFn()
	out := make([]CollateralToken, 0, len(r.slots))
	for i, slot := range r.slots {
		out = append(out, CollateralToken{
			Token:                slot.token,
			Index:                uint8(i),
			LiquidationThreshold: thresholdAt(slot, now),
			Quoted:               r.quoted.Intersects(MaskAt(uint8(i))),
		})
	}
	return out
}
