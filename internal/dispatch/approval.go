package dispatch

import "github.com/basket/storyctl/internal/model"

// requiresApproval is the policy function named in spec Design Notes
// §9: whether a Step must have an Approved approval before the
// Dispatcher may let it leave Pending. Evaluated fresh at dispatch
// time rather than threaded through Step.status.
func requiresApproval(mode model.AutomationMode, step model.Step) bool {
	switch mode {
	case model.AutomationFullAutonomous:
		return false
	case model.AutomationAutonomous:
		return step.RequiresConfirmation
	default: // Assisted, and any unrecognized mode, fails safe to requiring approval
		return true
	}
}
