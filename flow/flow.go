// Package flow holds the data model of an authorization code flow execution and
// the in-memory Store that owns every execution.
package flow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mnehpets/oauthlab/capture"
	"github.com/mnehpets/oauthlab/params"
)

// Type is the kind of grant a flow runs.
type Type string

const TypeAuthorizationCodePKCE Type = "authorization_code_pkce"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusIdle:    {StatusRunning, StatusError, StatusCancelled},
	StatusRunning: {StatusComplete, StatusError, StatusCancelled},
}

// ErrInvalidTransition is returned when a status change is not allowed, which
// includes every change away from a terminal status.
var ErrInvalidTransition = errors.New("flow: invalid status transition")

// StepStatus is the state of one step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepWarning  StepStatus = "warning"
	StepError    StepStatus = "error"
	StepSkipped  StepStatus = "skipped"
)

// Done reports whether the step has finished.
func (s StepStatus) Done() bool {
	return s == StepComplete || s == StepWarning || s == StepError || s == StepSkipped
}

// Step names, in the order a successful flow records them.
const (
	StepBuildAuthorizationRequest = "build_authorization_request"
	StepAwaitCallback             = "await_callback"
	StepExchangeCode              = "exchange_code"
	StepValidateTokens            = "validate_tokens"
	StepSecurityAssessment        = "security_assessment"
)

// Error categories.
const (
	CategoryProtocol       = "protocol"
	CategoryValidation     = "validation"
	CategoryInfrastructure = "infrastructure"
)

// ErrorInfo is a recorded failure. Code is the OAuth error code, passed through
// verbatim when it came from the identity provider.
type ErrorInfo struct {
	Category    string   `json:"category"`
	Code        string   `json:"error"`
	Description string   `json:"error_description,omitempty"`
	URI         string   `json:"error_uri,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	out := *e
	out.Reasons = slices.Clone(e.Reasons)
	return &out
}

// Step is one unit of work within a flow. Steps are only appended; once a
// later step exists an earlier one never changes.
type Step struct {
	Number      int                 `json:"stepNumber"`
	Name        string              `json:"name"`
	Status      StepStatus          `json:"status"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt time.Time           `json:"completedAt,omitzero"`
	HTTP        *capture.Exchange   `json:"http,omitempty"`
	Indicators  []SecurityIndicator `json:"indicators,omitempty"`
	Details     map[string]string   `json:"details,omitempty"`
	Error       *ErrorInfo          `json:"error,omitempty"`
}

func (s Step) clone() Step {
	s.HTTP = s.HTTP.Clone()
	s.Indicators = slices.Clone(s.Indicators)
	if s.Details != nil {
		d := make(map[string]string, len(s.Details))
		for k, v := range s.Details {
			d[k] = v
		}
		s.Details = d
	}
	s.Error = s.Error.clone()
	return s
}

// Tokens is a successful token response.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	TokenType    string    `json:"tokenType,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// SignatureResult is the outcome of ID token signature verification.
type SignatureResult struct {
	Checked bool   `json:"checked"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// Validation records the outcome of every local security check run during the
// flow, so the assessment can be computed from the execution alone.
type Validation struct {
	PKCE      *params.Result   `json:"pkce,omitempty"`
	State     *params.Result   `json:"state,omitempty"`
	Nonce     *params.Result   `json:"nonce,omitempty"`
	Signature *SignatureResult `json:"signature,omitempty"`

	// Redirect URIs sent in the authorization and token requests.
	AuthorizationRedirectURI string `json:"authorizationRedirectUri,omitempty"`
	TokenRedirectURI         string `json:"tokenRedirectUri,omitempty"`
	// VerifierSent is set when the token request carried a code_verifier.
	VerifierSent bool `json:"verifierSent"`
}

func cloneResult(r *params.Result) *params.Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Reasons = slices.Clone(r.Reasons)
	return &out
}

func (v Validation) clone() Validation {
	v.PKCE = cloneResult(v.PKCE)
	v.State = cloneResult(v.State)
	v.Nonce = cloneResult(v.Nonce)
	if v.Signature != nil {
		s := *v.Signature
		v.Signature = &s
	}
	return v
}

// Execution is one authorization code attempt.
//
// The security parameters are shared between snapshots: their single-use flags
// are atomic and only ever move forward.
type Execution struct {
	ID          string    `json:"id"`
	Type        Type      `json:"flowType"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Steps      []Step              `json:"steps"`
	Tokens     *Tokens             `json:"tokens,omitempty"`
	Error      *ErrorInfo          `json:"error,omitempty"`
	Config     Config              `json:"config"`
	Assessment *SecurityAssessment `json:"securityAssessment,omitempty"`

	AuthorizationURL string             `json:"authorizationUrl,omitempty"`
	PKCE             *params.PKCEParams `json:"pkce,omitempty"`
	State            *params.StateParam `json:"state,omitempty"`
	Nonce            *params.NonceParam `json:"nonce,omitempty"`
	Validation       Validation         `json:"validation"`
}

// Clone returns a deep copy of e.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Steps = make([]Step, len(e.Steps))
	for i, s := range e.Steps {
		out.Steps[i] = s.clone()
	}
	if e.Tokens != nil {
		t := *e.Tokens
		out.Tokens = &t
	}
	out.Error = e.Error.clone()
	out.Config = e.Config.Clone()
	out.Assessment = e.Assessment.clone()
	if e.PKCE != nil {
		p := *e.PKCE
		out.PKCE = &p
	}
	out.Validation = e.Validation.clone()
	return &out
}

// SetStatus moves e to s. Terminal statuses never change again.
func (e *Execution) SetStatus(s Status, now time.Time) error {
	if !slices.Contains(transitions[e.Status], s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, s)
	}
	e.Status = s
	if s.Terminal() {
		e.CompletedAt = now
	}
	return nil
}

// StartStep appends a running step.
func (e *Execution) StartStep(name string, now time.Time) *Step {
	e.Steps = append(e.Steps, Step{
		Number:    len(e.Steps) + 1,
		Name:      name,
		Status:    StepRunning,
		StartedAt: now,
	})
	return &e.Steps[len(e.Steps)-1]
}

// CurrentStep returns the last step, or nil.
func (e *Execution) CurrentStep() *Step {
	if len(e.Steps) == 0 {
		return nil
	}
	return &e.Steps[len(e.Steps)-1]
}

// FinishStep completes the last step with status. If the last step is not
// named name or has already finished, a new step is appended and finished.
func (e *Execution) FinishStep(name string, status StepStatus, now time.Time) *Step {
	s := e.CurrentStep()
	if s == nil || s.Name != name || s.Status.Done() {
		s = e.StartStep(name, now)
	}
	s.Status = status
	s.CompletedAt = now
	return s
}

// Step returns the most recent step named name.
func (e *Execution) Step(name string) (*Step, bool) {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		if e.Steps[i].Name == name {
			return &e.Steps[i], true
		}
	}
	return nil, false
}

// Fail records err on the execution, finishes the current step as failed, and
// moves the execution to StatusError.
func (e *Execution) Fail(stepName string, info *ErrorInfo, now time.Time) error {
	if err := e.SetStatus(StatusError, now); err != nil {
		return err
	}
	s := e.FinishStep(stepName, StepError, now)
	s.Error = info.clone()
	e.Error = info
	return nil
}
