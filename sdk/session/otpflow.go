package session

import (
	"strings"
	"sync"
)

// FlowState tracks progress through an OTP-gated flow (registration with
// verification, password reset). Completion always passes through
// FlowOTPVerified; no state is skippable.
type FlowState int

const (
	// FlowIdle means no OTP flow is pending.
	FlowIdle FlowState = iota
	// FlowOTPRequested means a code was issued and awaits verification.
	FlowOTPRequested
	// FlowOTPVerified means the code was accepted; the finalizing step may run.
	FlowOTPVerified
	// FlowCompleted means the flow finished; the pending state is discarded.
	FlowCompleted
)

// String returns a short identifier for logging.
func (s FlowState) String() string {
	switch s {
	case FlowOTPRequested:
		return "otp_requested"
	case FlowOTPVerified:
		return "otp_verified"
	case FlowCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// otpFlow is the transient per-operation state machine for OTP-gated flows.
// It is never persisted and is discarded on completion or cancellation.
type otpFlow struct {
	mu      sync.Mutex
	state   FlowState
	email   string
	purpose string
}

// request moves Idle -> OTPRequested, or re-arms an existing request for the
// same address (a fresh send supersedes the previous code server-side).
func (f *otpFlow) request(email, purpose string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FlowIdle, FlowOTPRequested:
		f.state = FlowOTPRequested
		f.email = strings.ToLower(strings.TrimSpace(email))
		f.purpose = purpose
		return nil
	default:
		return ErrInvalidTransition
	}
}

// resend loops OTPRequested back onto itself. Rate limiting is enforced
// server-side, not tracked here.
func (f *otpFlow) resend(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowOTPRequested || !f.matches(email) {
		return ErrInvalidTransition
	}
	return nil
}

// verify moves OTPRequested -> OTPVerified for the pending address.
func (f *otpFlow) verify(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowOTPRequested || !f.matches(email) {
		return ErrInvalidTransition
	}
	f.state = FlowOTPVerified
	return nil
}

// complete moves OTPVerified -> Completed and resets to Idle so the flow
// object can be reused for the next interaction.
func (f *otpFlow) complete(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowOTPVerified || !f.matches(email) {
		return ErrInvalidTransition
	}
	f.state = FlowIdle
	f.email = ""
	f.purpose = ""
	return nil
}

// cancel returns to Idle from any state.
func (f *otpFlow) cancel() {
	f.mu.Lock()
	f.state = FlowIdle
	f.email = ""
	f.purpose = ""
	f.mu.Unlock()
}

func (f *otpFlow) current() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *otpFlow) matches(email string) bool {
	return f.email == strings.ToLower(strings.TrimSpace(email))
}
