// Package session drives the capture-session state machine.
//
// # State machine
//
//	Closed|Error --open--> Opening --configured--> PreviewActive
//	PreviewActive --begin--> Reconfiguring(->RecordingActive) --configured--> RecordingActive
//	RecordingActive --end--> Reconfiguring(->PreviewActive) --configured--> PreviewActive
//	any --close|disconnect--> Closed
//	Opening|Reconfiguring --configure failed--> Error
//
// Reduce is the pure transition function. Controller feeds it from a single
// worker goroutine that owns the device and session handles, so every
// platform callback is re-posted onto that worker before it touches state.
//
// # Session replacement
//
// Switching between preview and recording closes the active session and
// waits for the platform's close confirmation before creating the next one.
// The wait is bounded by Config.CloseTimeout; a missing confirmation moves
// the session to Error instead of racing a half-closed session. While
// Reconfiguring no repeating request is submitted; the request built from
// the latest manual controls is applied as soon as the new session is
// configured.
//
// # Requests
//
// Repeating requests come from request.Build with the PREVIEW or RECORD
// template. Submission errors are logged and counted (Stats.SubmitErrors)
// without changing state.
package session
