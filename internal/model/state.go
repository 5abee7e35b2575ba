package model

type RunState string

const (
	StateDispatching RunState = "dispatching"
	StateResuming    RunState = "resuming"
	StateWatching    RunState = "watching"
	StateFinished    RunState = "finished"
	StateAborted     RunState = "aborted"
	StateFailed      RunState = "failed" // dispatch failed
	StateUnknown     RunState = "unknown"
)

// Terminal reports states in which the poll loop stops. Aborted and Failed
// can still be left by an explicit resume.
func (s RunState) Terminal() bool {
	switch s {
	case StateFinished, StateAborted, StateFailed:
		return true
	default:
		return false
	}
}
