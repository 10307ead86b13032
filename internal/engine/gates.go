package engine

import "tradeworker/pkg/types"

// StartupGate decides whether the worker may boot. The reason string is the
// first blocking condition in precedence order, mirroring the runtime pause
// evaluation plus the boot-only admin override.
func StartupGate(bc *types.BotContext) (bool, string) {
	if bc.SubscriptionStatus != "active" {
		return false, "subscription_not_active"
	}
	if bc.Control.AdminOverride {
		return false, "admin_override"
	}
	if bc.Control.KillSwitch {
		return false, "kill_switch"
	}
	if !bc.Control.TradingEnabled {
		return false, "trading_disabled"
	}
	return true, ""
}

// PauseReason returns why the loop should idle, or "" when trading may
// proceed. Precedence: subscription_inactive, kill_switch, trading_disabled,
// pause_requested.
func PauseReason(bc *types.BotContext) string {
	switch {
	case bc.SubscriptionStatus != "active":
		return "subscription_inactive"
	case bc.Control.KillSwitch:
		return "kill_switch"
	case !bc.Control.TradingEnabled:
		return "trading_disabled"
	case bc.Control.PauseRequested:
		return "pause_requested"
	}
	return ""
}
