package security

// Audit event types. Shared constants keep event names consistent between
// emitters and whatever consumes the audit log downstream.
const (
	// EventTokenIssued is logged when an access token is issued.
	EventTokenIssued = "token_issued"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when a consumed authorization code is
	// presented again.
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventClientRegistered is logged on successful dynamic client registration.
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when a registration is refused.
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventAuthFailure is logged on failed client or token authentication.
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match
	// the stored code_challenge.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a per-IP rate limit trips.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventAudienceMismatch is logged when a token reaches a resource server
	// outside its audience.
	EventAudienceMismatch = "audience_mismatch"
)
