package common

import "errors"

// ErrModulePaused rejects user-initiated operations while a module is
// suspended. Configuration surfaces bypass the guard entirely.
var ErrModulePaused = errors.New("module paused")

// PauseView answers whether a named module is currently suspended.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty
// module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
