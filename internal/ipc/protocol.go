// Package ipc exposes the daemon on the D-Bus system bus.
package ipc

const (
	ObjectPath    = "/io/github/soarinferret/familywarden"
	InterfaceName = "io.github.soarinferret.familywarden.Manager"
	ServiceName   = "io.github.soarinferret.familywarden"
	ErrorPrefix   = "io.github.soarinferret.familywarden.Error."
)

// Signals emitted on ObjectPath.
const (
	SignalApprovalRequestCreated  = InterfaceName + ".ApprovalRequestCreated"
	SignalApprovalRequestReviewed = InterfaceName + ".ApprovalRequestReviewed"
	SignalPolicyChanged           = InterfaceName + ".PolicyChanged"
	SignalEnforcementAction       = InterfaceName + ".EnforcementAction"
	SignalTimeLimitWarning        = InterfaceName + ".TimeLimitWarning"
)
