package bots

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"margincore/native/credit"
)

type permissionKey struct {
	account credit.AccountID
	bot     common.Address
}

// Registry tracks which bots may operate which accounts and with what
// capability set, plus the operator's platform-wide bot blacklist.
type Registry struct {
	mu          sync.RWMutex
	permissions map[permissionKey]credit.Permission
	forbidden   map[common.Address]struct{}
}

// NewRegistry creates an empty bot registry.
func NewRegistry() *Registry {
	return &Registry{
		permissions: make(map[permissionKey]credit.Permission),
		forbidden:   make(map[common.Address]struct{}),
	}
}

// BotPermissions returns the capability set the owner granted the bot.
func (r *Registry) BotPermissions(account credit.AccountID, bot common.Address) credit.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, banned := r.forbidden[bot]; banned {
		return 0
	}
	return r.permissions[permissionKey{account: account, bot: bot}]
}

// SetBotPermissions grants or revokes a bot's capabilities for an account.
// A zero permission set removes the grant.
func (r *Registry) SetBotPermissions(account credit.AccountID, bot common.Address, perms credit.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := permissionKey{account: account, bot: bot}
	if perms == 0 {
		delete(r.permissions, key)
		return nil
	}
	r.permissions[key] = perms
	return nil
}

// ErasePermissions removes every grant attached to a closing account.
func (r *Registry) ErasePermissions(account credit.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.permissions {
		if key.account == account {
			delete(r.permissions, key)
		}
	}
	return nil
}

// Forbid blacklists a bot platform-wide. Operator action.
func (r *Registry) Forbid(bot common.Address) {
	r.mu.Lock()
	r.forbidden[bot] = struct{}{}
	r.mu.Unlock()
}

// Allow lifts a bot's blacklist entry.
func (r *Registry) Allow(bot common.Address) {
	r.mu.Lock()
	delete(r.forbidden, bot)
	r.mu.Unlock()
}

// Forbidden reports whether the bot is blacklisted.
func (r *Registry) Forbidden(bot common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, banned := r.forbidden[bot]
	return banned
}
