package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/params"
)

// Machine-readable error codes produced locally. Codes returned by an identity
// provider are passed through unchanged.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidState    = "invalid_state"
	CodeInvalidNonce    = "invalid_nonce"
	CodeInvalidToken    = "invalid_token"
	CodeInternalError   = "internal_error"
	CodeDiscoveryFailed = "discovery_failed"
	CodeFlowNotFound    = "flow_not_found"
	CodeFlowTerminal    = "flow_terminal"
	CodeFlowRunning     = "flow_running"
)

// ErrFlowTerminal is returned for operations on a flow that has already
// completed, failed or been cancelled.
var ErrFlowTerminal = errors.New("auth: flow has already finished")

// ErrFlowRunning is returned when removing a flow that has not finished.
var ErrFlowRunning = errors.New("auth: flow is still running")

// ProtocolError is an OAuth 2.0 error, either returned by the identity provider
// or raised locally for a malformed request.
type ProtocolError struct {
	Code        string
	Description string
	URI         string
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s: %s", e.Code, e.Description)
	}
	return "oauth error " + e.Code
}

func invalidRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidRequest, Description: fmt.Sprintf(format, args...)}
}

// ValidationError is a failed state, nonce, PKCE or signature check.
type ValidationError struct {
	// Parameter is "state", "nonce", "pkce" or "signature".
	Parameter string
	Reasons   []params.Reason
}

func (e *ValidationError) Error() string {
	rs := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		rs[i] = string(r)
	}
	return fmt.Sprintf("%s validation failed: %s", e.Parameter, strings.Join(rs, ", "))
}

// Code returns the error code for the failed parameter.
func (e *ValidationError) Code() string {
	switch e.Parameter {
	case "state":
		return CodeInvalidState
	case "nonce":
		return CodeInvalidNonce
	case "signature":
		return CodeInvalidToken
	}
	return CodeInvalidRequest
}

// Replay reports whether the failure was a reused state value.
func (e *ValidationError) Replay() bool {
	return e.Parameter == "state" && params.Result{Reasons: e.Reasons}.Has(params.StateAlreadyUsed)
}

// InfrastructureError is a failure to reach or understand a remote endpoint.
type InfrastructureError struct {
	Op string
	// Code is CodeInternalError or CodeDiscoveryFailed. Empty means
	// CodeInternalError.
	Code string
	Err  error
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err to its machine-readable code.
func ErrorCode(err error) string {
	var (
		pe *ProtocolError
		ve *ValidationError
		ie *InfrastructureError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ve):
		return ve.Code()
	case errors.As(err, &ie):
		if ie.Code != "" {
			return ie.Code
		}
		return CodeInternalError
	case errors.Is(err, flow.ErrNotFound):
		return CodeFlowNotFound
	case errors.Is(err, ErrFlowTerminal), errors.Is(err, flow.ErrInvalidTransition):
		return CodeFlowTerminal
	case errors.Is(err, ErrFlowRunning):
		return CodeFlowRunning
	}
	return CodeInternalError
}

// errorInfo converts err into the form recorded on a flow.
func errorInfo(err error) *flow.ErrorInfo {
	var (
		pe *ProtocolError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &pe):
		return &flow.ErrorInfo{Category: flow.CategoryProtocol, Code: pe.Code, Description: pe.Description, URI: pe.URI}
	case errors.As(err, &ve):
		info := &flow.ErrorInfo{Category: flow.CategoryValidation, Code: ve.Code(), Description: ve.Error()}
		for _, r := range ve.Reasons {
			info.Reasons = append(info.Reasons, string(r))
		}
		return info
	}
	return &flow.ErrorInfo{Category: flow.CategoryInfrastructure, Code: ErrorCode(err), Description: err.Error()}
}
