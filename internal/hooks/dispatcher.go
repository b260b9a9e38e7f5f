// Package hooks delivers player lifecycle notifications to operator hooks.
//
// Hooks are invoked inline on the tick engine goroutine so their ordering
// relative to the protocol is exact: OnPlayerAuth always runs before the
// admitted player appears in a roster delta. The contract in exchange is
// that hooks return within a few milliseconds; slow work belongs on the
// hook's own goroutine. A hook that panics is logged and never propagates.
package hooks

import (
	"log/slog"
)

// -------------------------------------------------------------------------
// Hook Interface
// -------------------------------------------------------------------------

// Hook receives player lifecycle notifications. Implementations must not
// block: they run on the tick engine goroutine.
type Hook interface {
	// OnPlayerAuth fires when a player completes authentication and is
	// admitted, before the first roster delta listing them is sent.
	OnPlayerAuth(playerID uint64, name string)

	// OnPlayerLeave fires when a session is removed.
	OnPlayerLeave(playerID uint64, name string)
}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// Dispatcher fans player lifecycle events out to registered hooks.
// Hook errors and panics are contained here, never propagated.
type Dispatcher struct {
	hooks  []Hook
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher for the given hooks.
func NewDispatcher(logger *slog.Logger, hooks ...Hook) *Dispatcher {
	return &Dispatcher{
		hooks:  hooks,
		logger: logger.With(slog.String("component", "hooks.dispatcher")),
	}
}

// PlayerAuth notifies all hooks of a completed authentication.
func (d *Dispatcher) PlayerAuth(playerID uint64, name string) {
	for _, h := range d.hooks {
		d.invoke(func() { h.OnPlayerAuth(playerID, name) }, playerID)
	}
}

// PlayerLeave notifies all hooks of a session removal.
func (d *Dispatcher) PlayerLeave(playerID uint64, name string) {
	for _, h := range d.hooks {
		d.invoke(func() { h.OnPlayerLeave(playerID, name) }, playerID)
	}
}

// invoke calls one hook notification with panic containment.
func (d *Dispatcher) invoke(fn func(), playerID uint64) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook panicked",
				slog.Uint64("player_id", playerID),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// -------------------------------------------------------------------------
// LogHook — default hook
// -------------------------------------------------------------------------

// LogHook logs player lifecycle events. It is registered by default so an
// unconfigured server still records joins and leaves.
type LogHook struct {
	Logger *slog.Logger
}

// OnPlayerAuth implements Hook.
func (h *LogHook) OnPlayerAuth(playerID uint64, name string) {
	h.Logger.Info("player authenticated",
		slog.Uint64("player_id", playerID),
		slog.String("name", name),
	)
}

// OnPlayerLeave implements Hook.
func (h *LogHook) OnPlayerLeave(playerID uint64, name string) {
	h.Logger.Info("player left",
		slog.Uint64("player_id", playerID),
		slog.String("name", name),
	)
}
