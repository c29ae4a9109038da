package common

import "errors"

// ErrModulePaused is returned by Guard when the named module is halted.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module's mutating flows are currently halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view means pausing
// is not configured and the call proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
