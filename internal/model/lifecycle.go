package model

import "time"

// LifecycleState is a footprint's position in the proof lifecycle.
type LifecycleState string

const (
	StateCreated            LifecycleState = "CREATED"
	StateSent               LifecycleState = "SENT"
	StateProofReceived      LifecycleState = "PROOF_RECEIVED"
	StateRegistered         LifecycleState = "REGISTERED"
	StateRetrieved          LifecycleState = "RETRIEVED"
	StateVerified           LifecycleState = "VERIFIED"
	StateVerificationFailed LifecycleState = "VERIFICATION_FAILED"
	StateFailed             LifecycleState = "FAILED"
)

// Terminal reports whether no further lifecycle step is expected.
// FAILED is retryable and therefore not terminal.
func (s LifecycleState) Terminal() bool {
	return s == StateVerified || s == StateVerificationFailed
}

// Step names a lifecycle operation.
type Step string

const (
	StepSend     Step = "send"
	StepReceive  Step = "receive"
	StepRegister Step = "register"
	StepRetrieve Step = "retrieve"
	StepVerify   Step = "verify"
)

// Lifecycle is the persisted lifecycle position of one footprint.
type Lifecycle struct {
	FootprintID string         `json:"footprint_id"`
	State       LifecycleState `json:"state"`
	LastStep    Step           `json:"last_step,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Transition is one recorded state change.
type Transition struct {
	FootprintID string         `json:"footprint_id"`
	State       LifecycleState `json:"state"`
	Step        Step           `json:"step,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	At          time.Time      `json:"at"`
}
