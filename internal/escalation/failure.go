package escalation

import "strings"

// FailureReason classifies why a delivery attempt failed. It decides whether
// the attempt is retried.
type FailureReason string

const (
	ReasonEmailInvalid       FailureReason = "email_invalid"
	ReasonContactNotVerified FailureReason = "contact_not_verified"
	ReasonTaskCompleted      FailureReason = "task_completed"
	ReasonProviderError      FailureReason = "resend_api_error"
	ReasonNetworkError       FailureReason = "network_error"
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonQuotaExceeded      FailureReason = "quota_exceeded"
	ReasonUnknown            FailureReason = "unknown_error"
)

// Retryable reports whether the reason permits another delivery attempt.
// Invalid addresses, unverified contacts, and completed tasks never recover
// on retry.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonEmailInvalid, ReasonContactNotVerified, ReasonTaskCompleted:
		return false
	}
	return true
}

// ClassifyFailure maps a raw provider error message onto a FailureReason
// using ordered substring heuristics. Earlier rules win.
func ClassifyFailure(errMsg string) FailureReason {
	msg := strings.ToLower(errMsg)

	switch {
	case strings.Contains(msg, "invalid email") || strings.Contains(msg, "bad email"):
		return ReasonEmailInvalid
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ReasonRateLimited
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit exceeded"):
		return ReasonQuotaExceeded
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return ReasonNetworkError
	case strings.Contains(msg, "api") || strings.Contains(msg, "server error"):
		return ReasonProviderError
	}
	return ReasonUnknown
}
