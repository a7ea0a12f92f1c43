package enrollment

// Code tags the outcome of an admission-eligibility evaluation. Rejections
// are expected business outcomes, rendered to end users, so they travel as
// values rather than errors.
type Code string

const (
	CodeEligible           Code = "eligible"
	CodeGuestNotAllowed    Code = "guest_not_allowed"
	CodeDisabled           Code = "disabled"
	CodeWindowNotOpen      Code = "window_not_open"
	CodeWindowClosed       Code = "window_closed"
	CodePrerequisiteNotMet Code = "prerequisite_not_met"
	CodeAlreadyEnrolled    Code = "already_enrolled"
	CodeCapacityReached    Code = "capacity_reached"
)

// Eligibility is the structured result of an admission check. The zero
// parameters are only populated for the codes that need them: window codes
// carry the relevant boundary, the prerequisite code carries the category,
// and CapacityReached carries whether the instance's waitlist can take the
// user instead.
type Eligibility struct {
	Code           Code
	WindowOpensAt  int64
	WindowClosedAt int64
	CategoryID     int64
	WaitlistOpen   bool
}

// Eligible reports whether the check passed.
func (e Eligibility) Eligible() bool {
	return e.Code == CodeEligible
}

func eligible() Eligibility {
	return Eligibility{Code: CodeEligible}
}

func rejected(code Code) Eligibility {
	return Eligibility{Code: code}
}

// EnrolOptions tunes an eligibility evaluation. IgnoreGate skips the
// enrollment-window check and the waitlist queue-priority branch of the
// capacity check; claim redemption sets it because the redeeming user is
// the queued user the gate exists to protect. The raw seat count is never
// skipped. Self adds the checks that only apply to a user enrolling
// themselves (guest rejection).
type EnrolOptions struct {
	IgnoreGate bool
	Self       bool
}
