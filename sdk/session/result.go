package session

// Outcome tags the result of a credential flow so callers handle every branch
// explicitly instead of probing optional fields.
type Outcome int

const (
	// OutcomeFailed covers both transport and application level failures.
	OutcomeFailed Outcome = iota
	// OutcomeEstablished means the flow produced an authenticated session.
	OutcomeEstablished
	// OutcomeOTPRequired means the server demands a one-time-code step before
	// the session can be established.
	OutcomeOTPRequired
	// OutcomeCompleted means the operation succeeded without touching the
	// session (e.g. an OTP was sent or a password was reset).
	OutcomeCompleted
)

// String returns a short identifier for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeEstablished:
		return "established"
	case OutcomeOTPRequired:
		return "otp_required"
	case OutcomeCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// FlowResult is the uniform result shape returned by every credential flow.
type FlowResult struct {
	Outcome Outcome
	// Message carries the server's message verbatim for application failures,
	// or a generic connection hint for transport failures.
	Message string
	// User is set when Outcome is OutcomeEstablished.
	User *UserProfile
	// Email echoes the address an OTP was issued for when Outcome is
	// OutcomeOTPRequired.
	Email string
	// Err is the typed failure when Outcome is OutcomeFailed, so callers can
	// branch on its code or HTTP status instead of the message text.
	Err *Error
}

// Success reports whether the flow ended in any non-failure outcome.
func (r FlowResult) Success() bool {
	return r.Outcome != OutcomeFailed
}

func failed(message string) FlowResult {
	return failure(&Error{Message: message})
}

func failure(err *Error) FlowResult {
	return FlowResult{Outcome: OutcomeFailed, Message: err.Message, Err: err}
}

func validationFailure(err error) FlowResult {
	return failure(&Error{Code: CodeValidationFailed, Message: err.Error()})
}

func established(user *UserProfile, message string) FlowResult {
	return FlowResult{Outcome: OutcomeEstablished, Message: message, User: user}
}

func otpRequired(email, message string) FlowResult {
	return FlowResult{Outcome: OutcomeOTPRequired, Message: message, Email: email}
}

func completed(message string) FlowResult {
	return FlowResult{Outcome: OutcomeCompleted, Message: message}
}
