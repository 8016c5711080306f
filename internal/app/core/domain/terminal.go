package domain

import "time"

// TerminalStatus 工作站最近一次終端機請求的狀態 (status board)
type TerminalStatus struct {
	Workstation      string            `json:"workstation"`
	TerminalID       string            `json:"terminal_id"`
	IntentID         string            `json:"intent_id"`
	RequestTimestamp time.Time         `json:"request_timestamp"`
	LastResponse     map[string]string `json:"last_response,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

// Pending 請求已送出但尚未有結果
func (s *TerminalStatus) Pending() bool {
	return s.IntentID != "" && s.LastResponse == nil && s.LastError == ""
}

// Errored 有錯誤且沒有終端機回應
func (s *TerminalStatus) Errored() bool {
	return s.LastError != "" && s.LastResponse == nil
}
