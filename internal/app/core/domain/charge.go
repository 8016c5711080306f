package domain

import "fmt"

// ChargeState 單次付款嘗試的狀態
type ChargeState string

const (
	StateCreated       ChargeState = "created"
	StateIntentPending ChargeState = "intent_pending"
	StateSucceeded     ChargeState = "succeeded"
	StateAuthorized    ChargeState = "authorized"
	StateCaptured      ChargeState = "captured"
	StateVoided        ChargeState = "voided"
	StateFailed        ChargeState = "failed"

	// 退款子流程
	StateRequested      ChargeState = "requested"
	StateValidated      ChargeState = "validated"
	StateProviderIssued ChargeState = "provider_issued"
	StateLedgerUpdated  ChargeState = "ledger_updated"
	StateRejected       ChargeState = "rejected"
)

// Flow 狀態機種類
type Flow string

const (
	FlowHosted Flow = "hosted"
	FlowDirect Flow = "direct"
	FlowRefund Flow = "refund"
)

var transitions = map[Flow]map[ChargeState][]ChargeState{
	FlowHosted: {
		StateCreated:       {StateIntentPending, StateFailed},
		StateIntentPending: {StateSucceeded, StateFailed},
	},
	FlowDirect: {
		StateCreated:    {StateAuthorized, StateFailed},
		StateAuthorized: {StateCaptured, StateVoided, StateFailed},
	},
	FlowRefund: {
		StateRequested:      {StateValidated, StateRejected},
		StateValidated:      {StateProviderIssued, StateRejected},
		StateProviderIssued: {StateLedgerUpdated},
	},
}

// ChargeAttempt 追蹤一次付款/退款嘗試的狀態
type ChargeAttempt struct {
	Flow  Flow
	State ChargeState
}

// NewChargeAttempt 建立初始狀態
func NewChargeAttempt(flow Flow) *ChargeAttempt {
	start := StateCreated
	if flow == FlowRefund {
		start = StateRequested
	}
	return &ChargeAttempt{Flow: flow, State: start}
}

// Advance 依狀態表前進，不合法的轉換回傳 ErrInvalidTransition
func (a *ChargeAttempt) Advance(next ChargeState) error {
	for _, allowed := range transitions[a.Flow][a.State] {
		if allowed == next {
			a.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, a.Flow, a.State, next)
}

// Terminal 是否已到終態
func (a *ChargeAttempt) Terminal() bool {
	return len(transitions[a.Flow][a.State]) == 0
}
