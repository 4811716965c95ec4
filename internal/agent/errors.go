// Package agent runs the bounded conversation loop: request the model,
// consume its stream, gate and dispatch tool calls, feed results back, and
// repeat until the model stops asking for tools.
package agent

import (
	"fmt"
	"strings"
)

// AuthError means the credential is missing or invalid. Checked before the
// loop starts; fatal.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Provider, e.Reason)
}

// TransportError means a connection to the model backend or a tool provider
// was refused or reset. Fatal for the affected call.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure (%s): %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means a malformed event or JSON payload came off one of the
// wire protocols. Downgraded to an error result, never a crash.
type ProtocolError struct {
	Source string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Source, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RiskDeniedError means the permission gate refused a tool call. Recovered
// locally: the loop encodes it as a tool_result so the model can choose a
// different action.
type RiskDeniedError struct {
	Tool    string
	Reasons []string
}

func (e *RiskDeniedError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("tool call %q denied by permission policy", e.Tool)
	}
	return fmt.Sprintf("tool call %q denied by permission policy: %s", e.Tool, strings.Join(e.Reasons, "; "))
}

// IterationLimitError means the loop hit its iteration bound with the model
// still asking for tools. Fatal, surfaced to the caller verbatim.
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("iteration limit exceeded: model still requesting tools after %d iterations", e.Limit)
}
