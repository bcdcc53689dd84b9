package envelope

// Reason names a verification failure.
type Reason string

// Verification failure reasons, shared by commands and snapshots.
const (
	ReasonMissingMAC            Reason = "missing-mac"
	ReasonMissingSig            Reason = "missing-sig"
	ReasonInvalidPubKey         Reason = "invalid-pubkey"
	ReasonActorIDMismatch       Reason = "actor-id-mismatch"
	ReasonExpectedActorMismatch Reason = "expected-actor-mismatch"
	ReasonMACMismatch           Reason = "mac-mismatch"
	ReasonSigMismatch           Reason = "sig-mismatch"
	ReasonInvalidEnvelope       Reason = "invalid-envelope"
	ReasonSequenceMismatch      Reason = "sequence-mismatch"
)

// Result is the outcome of a verification.
type Result struct {
	OK     bool
	Reason Reason
}

// Fail builds a failed result.
func Fail(r Reason) Result { return Result{Reason: r} }

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	return string(r.Reason)
}
