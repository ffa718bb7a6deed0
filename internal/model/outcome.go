package model

// Outcome is the terminal tag for one unit of work. It is derived
// deterministically by the recorder, never supplied by a caller.
type Outcome string

const (
	OutcomeSuccessApplied   Outcome = "SUCCESS_APPLIED"
	OutcomeSuccessNoChange  Outcome = "SUCCESS_NO_CHANGE"
	OutcomeFailedTransient  Outcome = "FAILED_TRANSIENT"
	OutcomeFailedValidation Outcome = "FAILED_VALIDATION"
	OutcomeFailedAuth       Outcome = "FAILED_AUTH"
	OutcomeFailedQuota      Outcome = "FAILED_QUOTA"
	OutcomeFailedContent    Outcome = "FAILED_CONTENT"
	OutcomeFailedInternal   Outcome = "FAILED_INTERNAL"
)

// IsSuccess reports whether the outcome counts as a successful attempt for
// health accounting.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccessApplied || o == OutcomeSuccessNoChange
}

// IsEmpty reports whether the outcome was a success that produced nothing,
// which counts toward the source's empty streak.
func (o Outcome) IsEmpty() bool {
	return o == OutcomeSuccessNoChange
}
