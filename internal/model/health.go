package model

// VerdictKind tags the outcome of an upstream liveness probe.
type VerdictKind string

const (
	VerdictHealthy     VerdictKind = "healthy"
	VerdictUnhealthy   VerdictKind = "unhealthy"
	VerdictUnreachable VerdictKind = "unreachable"
	VerdictTimeout     VerdictKind = "timeout"
)

// HealthVerdict is the result of a single probe. StatusCode is set for healthy
// and unhealthy verdicts; Reason carries the status text or the dial error.
type HealthVerdict struct {
	Kind       VerdictKind
	StatusCode int
	Reason     string
}

// Healthy reports whether the upstream answered its liveness path with 200.
func (v HealthVerdict) Healthy() bool {
	return v.Kind == VerdictHealthy
}
