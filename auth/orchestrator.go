// Package auth drives authorization code flows with PKCE: it builds the
// authorization request, handles the identity provider's callback, redeems the
// code at the token endpoint, validates the returned tokens, and scores the
// flow's security posture. It also serves the HTTP API over those operations.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jellydator/ttlcache/v3"
	"github.com/mnehpets/oauthlab/assess"
	"github.com/mnehpets/oauthlab/capture"
	"github.com/mnehpets/oauthlab/events"
	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/instrumentation"
	"github.com/mnehpets/oauthlab/params"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
)

const (
	// DefaultExchangeTimeout bounds the token endpoint request.
	DefaultExchangeTimeout = 10 * time.Second
	// DefaultCancelGrace is how long a cancelled flow stays readable.
	DefaultCancelGrace = time.Minute
)

// Signature validation reasons.
const (
	ReasonSignatureInvalid    params.Reason = "SIGNATURE_INVALID"
	ReasonSignatureNotChecked params.Reason = "SIGNATURE_NOT_CHECKED"
	ReasonIDTokenMissing      params.Reason = "ID_TOKEN_MISSING"
)

// reservedParams may not be overridden through Config.AdditionalParams.
var reservedParams = map[string]bool{
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// Callback holds the query parameters of the identity provider's redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// Orchestrator runs the flow state machine. Every change to a flow goes
// through Store.Update, and every change is published to the flow's event
// stream.
type Orchestrator struct {
	store     *flow.Store
	events    *events.Broadcaster
	params    *params.Service
	engine    *assess.Engine
	registry  *Registry
	exchanger TokenExchanger
	validator SignatureValidator

	httpClient      *http.Client
	exchangeTimeout time.Duration
	cancelGrace     time.Duration
	strict          bool

	// states maps a state value to its flow, for a callback URL shared by all
	// flows.
	states *ttlcache.Cache[string, string]

	log     zerolog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithParams sets the security parameter service.
func WithParams(s *params.Service) Option {
	return func(o *Orchestrator) {
		o.params = s
	}
}

// WithRegistry sets the provider registry consulted for Config.Provider.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithTokenExchanger replaces the token endpoint client.
func WithTokenExchanger(x TokenExchanger) Option {
	return func(o *Orchestrator) {
		o.exchanger = x
	}
}

// WithSignatureValidator replaces the ID token signature validator.
func WithSignatureValidator(v SignatureValidator) Option {
	return func(o *Orchestrator) {
		o.validator = v
	}
}

// WithHTTPClient sets the client used for the token endpoint and key sets.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		o.httpClient = c
	}
}

// WithExchangeTimeout bounds the token endpoint request.
func WithExchangeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.exchangeTimeout = d
	}
}

// WithCancelGrace sets how long a cancelled flow stays readable.
func WithCancelGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cancelGrace = d
	}
}

// WithStrictTokenValidation makes a failed nonce or signature check end the
// flow in error. By default such failures are recorded as a warning and the
// flow still completes.
func WithStrictTokenValidation(strict bool) Option {
	return func(o *Orchestrator) {
		o.strict = strict
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer sets the tracer for token endpoint spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an Orchestrator over store and broadcaster. Call
// Close to release it.
func NewOrchestrator(store *flow.Store, broadcaster *events.Broadcaster, opts ...Option) (*Orchestrator, error) {
	if store == nil || broadcaster == nil {
		return nil, errors.New("auth: store and broadcaster are required")
	}
	o := &Orchestrator{
		store:           store,
		events:          broadcaster,
		engine:          assess.NewEngine(),
		registry:        NewRegistry(),
		validator:       KeySetValidator{},
		httpClient:      http.DefaultClient,
		exchangeTimeout: DefaultExchangeTimeout,
		cancelGrace:     DefaultCancelGrace,
		log:             zerolog.Nop(),
		tracer:          tracenoop.NewTracerProvider().Tracer(""),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.params == nil {
		s, err := params.NewService(params.WithClock(o.now))
		if err != nil {
			return nil, err
		}
		o.params = s
	}
	if o.exchanger == nil {
		o.exchanger = NewOAuth2Exchanger(o.httpClient)
	}
	if o.exchangeTimeout <= 0 {
		o.exchangeTimeout = DefaultExchangeTimeout
	}
	if o.cancelGrace <= 0 {
		o.cancelGrace = DefaultCancelGrace
	}
	o.states = ttlcache.New(
		ttlcache.WithTTL[string, string](params.DefaultStateTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go o.states.Start()
	return o, nil
}

// Close stops background work.
func (o *Orchestrator) Close() {
	o.states.Stop()
}

// Get returns a snapshot of flow id.
func (o *Orchestrator) Get(id string) (*flow.Execution, error) {
	exec, ok := o.store.Get(id)
	if !ok {
		return nil, flow.ErrNotFound
	}
	return exec, nil
}

// Remove deletes a finished flow and ends its event stream. Flows that have not
// finished get ErrFlowRunning; cancel them first.
func (o *Orchestrator) Remove(id string) error {
	exec, ok := o.store.Get(id)
	if !ok {
		return flow.ErrNotFound
	}
	if !exec.Status.Terminal() {
		return ErrFlowRunning
	}
	if exec.State != nil {
		o.states.Delete(exec.State.Value)
	}
	if err := o.store.Delete(id); err != nil {
		return err
	}
	o.log.Info().Str("flow_id", id).Str("status", string(exec.Status)).Msg("flow removed")
	return nil
}

// List returns snapshots of the flows in ids that still exist, in order.
func (o *Orchestrator) List(ids []string) []*flow.Execution {
	out := make([]*flow.Execution, 0, len(ids))
	for _, id := range ids {
		if exec, ok := o.store.Get(id); ok {
			out = append(out, exec)
		}
	}
	return out
}

// LookupByState returns the id of the flow that issued state.
func (o *Orchestrator) LookupByState(state string) (string, bool) {
	if state == "" {
		return "", false
	}
	item := o.states.Get(state)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

// transition applies fn to flow id unless the flow has already finished.
func (o *Orchestrator) transition(id string, fn func(e *flow.Execution, now time.Time) error) (*flow.Execution, error) {
	return o.store.Update(id, func(e *flow.Execution) error {
		if e.Status.Terminal() {
			return ErrFlowTerminal
		}
		return fn(e, o.now())
	})
}

func (o *Orchestrator) publish(id string, typ events.Type, data any) {
	o.events.Publish(id, events.Event{Type: typ, Time: o.now(), Data: data})
}

// finish publishes a terminal event and ends the flow's stream.
func (o *Orchestrator) finish(id string, typ events.Type, data any) {
	o.publish(id, typ, data)
	o.events.Close(id)
}

// fail records err against stepName and ends the flow in error. It returns
// err, or ErrFlowTerminal if the flow finished in the meantime.
func (o *Orchestrator) fail(ctx context.Context, id, stepName string, err error, record func(e *flow.Execution)) (*flow.Execution, error) {
	info := errorInfo(err)
	exec, uerr := o.transition(id, func(e *flow.Execution, now time.Time) error {
		if record != nil {
			record(e)
		}
		return e.Fail(stepName, info, now)
	})
	if uerr != nil {
		return nil, uerr
	}
	o.log.Warn().Str("flow_id", id).Str("step", stepName).Str("error", info.Code).Strs("reasons", info.Reasons).Msg("flow failed")
	o.metrics.RecordCallback(ctx, "error")
	o.finish(id, events.TypeFlowError, exec)
	return exec, err
}

// Start creates a flow for cfg and builds its authorization request. It never
// contacts the identity provider.
func (o *Orchestrator) Start(ctx context.Context, cfg flow.Config) (*flow.Execution, error) {
	cfg, err := o.prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec, err := o.store.Create(cfg)
	if err != nil {
		return nil, &InfrastructureError{Op: "create flow", Err: err}
	}
	o.events.Open(exec.ID)
	log := o.log.With().Str("flow_id", exec.ID).Logger()

	req, err := o.buildAuthorizationRequest(&cfg)
	if err != nil {
		ierr := &InfrastructureError{Op: "build authorization request", Err: err}
		_, _ = o.fail(ctx, exec.ID, flow.StepBuildAuthorizationRequest, ierr, nil)
		return nil, ierr
	}

	exec, err = o.transition(exec.ID, func(e *flow.Execution, now time.Time) error {
		e.PKCE = req.pkce
		e.State = req.state
		e.Nonce = req.nonce
		e.AuthorizationURL = req.url
		e.Validation.AuthorizationRedirectURI = cfg.RedirectURI

		s := e.StartStep(flow.StepBuildAuthorizationRequest, e.StartedAt)
		s.Indicators = req.indicators
		s.Details = map[string]string{"authorizationUrl": req.url}
		e.FinishStep(flow.StepBuildAuthorizationRequest, flow.StepComplete, now)
		if err := e.SetStatus(flow.StatusRunning, now); err != nil {
			return err
		}
		e.StartStep(flow.StepAwaitCallback, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.states.Set(req.state.Value, exec.ID, max(time.Second, req.state.ExpiresAt.Sub(o.now())))
	o.publish(exec.ID, events.TypeStepComplete, exec.Steps[0])
	o.publish(exec.ID, events.TypeStepStarted, exec.Steps[1])
	o.metrics.RecordFlowStarted(ctx, req.pkce != nil)
	log.Info().
		Bool("pkce", req.pkce != nil).
		Bool("oidc", req.nonce != nil).
		Strs("vulnerabilities", cfg.Vulnerability.ActiveVulnerabilities()).
		Msg("flow started")
	return exec, nil
}

func (o *Orchestrator) prepareConfig(cfg flow.Config) (flow.Config, error) {
	cfg = cfg.Clone()
	if cfg.Provider != "" {
		p, ok := o.registry.Get(cfg.Provider)
		if !ok {
			return cfg, invalidRequest("unknown provider %q", cfg.Provider)
		}
		cfg = p.Apply(cfg)
	}
	if cfg.TokenAuthMethod == "" {
		cfg.TokenAuthMethod = flow.AuthMethodNone
		if cfg.ClientSecret != "" {
			cfg.TokenAuthMethod = flow.AuthMethodClientSecretBasic
		}
	}
	return cfg, validateConfig(&cfg)
}

func validateConfig(cfg *flow.Config) error {
	if cfg.ClientID == "" {
		return invalidRequest("clientId is required")
	}
	for _, ep := range []struct{ name, raw string }{
		{"authorizationEndpoint", cfg.AuthorizationEndpoint},
		{"tokenEndpoint", cfg.TokenEndpoint},
		{"redirectUri", cfg.RedirectURI},
	} {
		if ep.raw == "" {
			return invalidRequest("%s is required", ep.name)
		}
		if !validHTTPURL(ep.raw) {
			return invalidRequest("%s must be an absolute http or https URL", ep.name)
		}
	}
	if cfg.JWKSURI != "" && !validHTTPURL(cfg.JWKSURI) {
		return invalidRequest("jwksUri must be an absolute http or https URL")
	}
	if len(cfg.JWKS) > 0 {
		if _, err := StaticKeySet(cfg.JWKS); err != nil {
			return invalidRequest("jwks: %v", err)
		}
	}
	switch cfg.TokenAuthMethod {
	case flow.AuthMethodNone:
	case flow.AuthMethodClientSecretBasic, flow.AuthMethodClientSecretPost:
		if cfg.ClientSecret == "" {
			return invalidRequest("tokenAuthMethod %s requires clientSecret", cfg.TokenAuthMethod)
		}
	default:
		return invalidRequest("unsupported tokenAuthMethod %q", cfg.TokenAuthMethod)
	}
	for k := range cfg.AdditionalParams {
		if reservedParams[k] {
			return invalidRequest("additionalParams may not set %q", k)
		}
	}
	v := cfg.Vulnerability
	if v.InEffect() && !v.WarningAcknowledged {
		return invalidRequest("vulnerability mode requires warningAcknowledged")
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

type authRequest struct {
	pkce       *params.PKCEParams
	state      *params.StateParam
	nonce      *params.NonceParam
	url        string
	indicators []flow.SecurityIndicator
}

func (o *Orchestrator) buildAuthorizationRequest(cfg *flow.Config) (*authRequest, error) {
	req := &authRequest{}
	var opts []oauth2.AuthCodeOption
	for k, v := range cfg.AdditionalParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	var err error
	if cfg.Vulnerability.PKCEDisabled() {
		req.indicators = append(req.indicators, flow.SecurityIndicator{
			Check: "pkce", Severity: flow.SeverityCritical,
			Message: "PKCE disabled by vulnerability mode",
		})
	} else {
		if req.pkce, err = o.params.GeneratePKCE(); err != nil {
			return nil, err
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.pkce.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", req.pkce.CodeChallengeMethod),
		)
		req.indicators = append(req.indicators, flow.SecurityIndicator{
			Check: "pkce", Passed: true, Severity: flow.SeverityCritical,
			Message: "code challenge sent with method " + req.pkce.CodeChallengeMethod,
		})
	}

	if req.state, err = o.params.GenerateState(); err != nil {
		return nil, err
	}
	req.indicators = append(req.indicators, flow.SecurityIndicator{
		Check: "state", Passed: true, Severity: flow.SeverityCritical,
		Message: "state expires at " + req.state.ExpiresAt.UTC().Format(time.RFC3339),
	})

	if cfg.RequestsOpenID() {
		if req.nonce, err = o.params.GenerateNonce(); err != nil {
			return nil, err
		}
		opts = append(opts, oidc.Nonce(req.nonce.Value))
		req.indicators = append(req.indicators, flow.SecurityIndicator{
			Check: "nonce", Passed: true, Severity: flow.SeverityHigh,
			Message: "nonce sent for the ID token",
		})
	}

	conf := &oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationEndpoint},
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
	}
	req.url = conf.AuthCodeURL(req.state.Value, opts...)
	return req, nil
}

// HandleCallback processes the identity provider's redirect for flow id.
//
// A callback whose state was already consumed, or one for a flow that has
// finished, is rejected without changing the flow. Any other failure is
// recorded on the flow, which ends in error. The returned execution is nil
// when the flow was not changed.
func (o *Orchestrator) HandleCallback(ctx context.Context, id string, cb Callback) (*flow.Execution, error) {
	exec, ok := o.store.Get(id)
	if !ok {
		return nil, flow.ErrNotFound
	}
	log := o.log.With().Str("flow_id", id).Logger()

	if exec.Status != flow.StatusRunning {
		if exec.State != nil && exec.State.Used() && exec.State.Value == cb.State {
			return nil, o.replay(ctx, log)
		}
		return nil, ErrFlowTerminal
	}
	// Once a callback has been accepted, later ones are rejected without
	// touching the flow that is already in progress.
	awaiting := false
	if s := exec.CurrentStep(); s != nil && s.Name == flow.StepAwaitCallback {
		awaiting = true
	}

	if cb.Error != "" {
		perr := &ProtocolError{Code: cb.Error, Description: cb.ErrorDescription, URI: cb.ErrorURI}
		if !awaiting {
			return nil, perr
		}
		return o.fail(ctx, id, flow.StepAwaitCallback, perr, nil)
	}

	res := o.params.ValidateState(cb.State, exec.State)
	if !res.Valid {
		if res.Has(params.StateAlreadyUsed) {
			return nil, o.replay(ctx, log)
		}
		for _, r := range res.Reasons {
			o.metrics.RecordValidationFailure(ctx, "state", string(r))
		}
		verr := &ValidationError{Parameter: "state", Reasons: res.Reasons}
		if !awaiting {
			return nil, verr
		}
		return o.fail(ctx, id, flow.StepAwaitCallback, verr, func(e *flow.Execution) {
			e.Validation.State = &res
		})
	}
	if cb.Code == "" {
		return o.fail(ctx, id, flow.StepAwaitCallback, invalidRequest("callback is missing the code parameter"), func(e *flow.Execution) {
			e.Validation.State = &res
		})
	}

	exec, err := o.transition(id, func(e *flow.Execution, now time.Time) error {
		e.Validation.State = &res
		s := e.FinishStep(flow.StepAwaitCallback, flow.StepComplete, now)
		s.Indicators = []flow.SecurityIndicator{{Check: "state", Passed: true, Severity: flow.SeverityCritical, Message: "state matched and consumed"}}
		e.StartStep(flow.StepExchangeCode, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(id, events.TypeStepComplete, exec.Steps[len(exec.Steps)-2])
	o.publish(id, events.TypeStepStarted, exec.Steps[len(exec.Steps)-1])
	log.Debug().Msg("state validated")

	tokens, captured, err := o.exchangeCode(ctx, exec, cb.Code)
	verifierSent := exec.PKCE != nil && exec.PKCE.CodeVerifier != ""
	recordExchange := func(e *flow.Execution) {
		e.Validation.TokenRedirectURI = e.Config.RedirectURI
		e.Validation.VerifierSent = verifierSent
		if s, ok := e.Step(flow.StepExchangeCode); ok {
			s.HTTP = captured
		}
	}
	if err != nil {
		return o.fail(ctx, id, flow.StepExchangeCode, err, recordExchange)
	}

	exec, err = o.transition(id, func(e *flow.Execution, now time.Time) error {
		recordExchange(e)
		e.Tokens = tokens
		e.FinishStep(flow.StepExchangeCode, flow.StepComplete, now)
		e.StartStep(flow.StepValidateTokens, now)
		return nil
	})
	if err != nil {
		// Cancelled while the exchange was in flight: the result is discarded.
		log.Info().Err(err).Msg("discarding token response")
		return nil, err
	}
	o.publish(id, events.TypeStepComplete, exec.Steps[len(exec.Steps)-2])
	o.publish(id, events.TypeStepStarted, exec.Steps[len(exec.Steps)-1])

	tv := o.validateTokens(ctx, exec)
	recordValidation := func(e *flow.Execution) {
		if tv.nonce != nil {
			e.Validation.Nonce = tv.nonce
		}
		e.Validation.Signature = tv.signature
		if s, ok := e.Step(flow.StepValidateTokens); ok {
			s.Indicators = tv.indicators
		}
	}
	if tv.err != nil && o.strict {
		return o.fail(ctx, id, flow.StepValidateTokens, tv.err, recordValidation)
	}

	exec, err = o.transition(id, func(e *flow.Execution, now time.Time) error {
		recordValidation(e)
		e.FinishStep(flow.StepValidateTokens, tv.status, now)
		e.StartStep(flow.StepSecurityAssessment, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(id, events.TypeStepComplete, exec.Steps[len(exec.Steps)-2])
	o.publish(id, events.TypeStepStarted, exec.Steps[len(exec.Steps)-1])

	return o.assess(ctx, id)
}

func (o *Orchestrator) replay(ctx context.Context, log zerolog.Logger) error {
	o.metrics.RecordReplay(ctx)
	o.metrics.RecordValidationFailure(ctx, "state", string(params.StateAlreadyUsed))
	log.Warn().Str("reason", string(params.StateAlreadyUsed)).Msg("rejected replayed callback")
	return &ValidationError{Parameter: "state", Reasons: []params.Reason{params.StateAlreadyUsed}}
}

func (o *Orchestrator) exchangeCode(ctx context.Context, exec *flow.Execution, code string) (*flow.Tokens, *capture.Exchange, error) {
	// The request runs to completion even if the caller goes away: the code is
	// single use, so an abandoned request could not be retried anyway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.exchangeTimeout)
	defer cancel()

	cfg := &exec.Config
	ctx, span := o.tracer.Start(ctx, "oauthlab.code_exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrTokenURL, cfg.TokenEndpoint),
			attribute.String(instrumentation.AttrAuthMethod, cfg.TokenAuthMethod),
			attribute.Bool(instrumentation.AttrPKCE, exec.PKCE != nil),
		),
	)
	defer span.End()

	req := TokenRequest{
		TokenURL:     cfg.TokenEndpoint,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthMethod:   cfg.TokenAuthMethod,
		Code:         code,
		RedirectURI:  cfg.RedirectURI,
	}
	if exec.PKCE != nil {
		req.CodeVerifier = exec.PKCE.CodeVerifier
	}

	start := time.Now()
	tokens, captured, err := o.exchanger.Exchange(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = ErrorCode(err)
		instrumentation.RecordError(span, err)
	}
	o.metrics.RecordExchange(ctx, outcome, float64(time.Since(start).Microseconds())/1000)
	return tokens, captured, err
}

type tokenValidation struct {
	status     flow.StepStatus
	nonce      *params.Result
	signature  *flow.SignatureResult
	indicators []flow.SecurityIndicator
	// err is the first failure, which ends the flow in strict mode.
	err error
}

func (tv *tokenValidation) warn(err error, ind flow.SecurityIndicator) {
	tv.status = flow.StepWarning
	tv.indicators = append(tv.indicators, ind)
	if tv.err == nil {
		tv.err = err
	}
}

func (o *Orchestrator) validateTokens(ctx context.Context, exec *flow.Execution) tokenValidation {
	tv := tokenValidation{status: flow.StepComplete}
	raw := exec.Tokens.IDToken
	if raw == "" {
		if exec.Config.RequestsOpenID() {
			o.metrics.RecordValidationFailure(ctx, "id_token", string(ReasonIDTokenMissing))
			tv.warn(&ValidationError{Parameter: "nonce", Reasons: []params.Reason{ReasonIDTokenMissing}}, flow.SecurityIndicator{
				Check: "nonce", Severity: flow.SeverityHigh, Message: "openid scope requested but no ID token returned",
			})
		} else {
			tv.status = flow.StepSkipped
		}
		return tv
	}

	if exec.Nonce != nil {
		var res params.Result
		if claim, err := unverifiedNonce(raw); err != nil {
			res = params.Result{Reasons: []params.Reason{params.NonceMissing}}
		} else {
			res = o.params.ValidateNonce(claim, exec.Nonce)
		}
		tv.nonce = &res
		if res.Valid {
			tv.indicators = append(tv.indicators, flow.SecurityIndicator{Check: "nonce", Passed: true, Severity: flow.SeverityHigh, Message: "ID token nonce matched"})
		} else {
			for _, r := range res.Reasons {
				o.metrics.RecordValidationFailure(ctx, "nonce", string(r))
			}
			tv.warn(&ValidationError{Parameter: "nonce", Reasons: res.Reasons}, flow.SecurityIndicator{
				Check: "nonce", Severity: flow.SeverityHigh, Message: "ID token nonce rejected",
			})
		}
	}

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.exchangeTimeout)
	defer cancel()
	sig := &flow.SignatureResult{}
	keys, err := o.keySet(vctx, &exec.Config)
	switch {
	case err != nil:
		sig.Error = err.Error()
	case keys == nil:
		sig.Error = "no key set configured"
	default:
		sig.Checked = true
		sig.Valid, err = o.validator.VerifySignature(vctx, raw, keys)
		if err != nil {
			sig.Error = err.Error()
		}
	}
	tv.signature = sig
	switch {
	case sig.Valid:
		tv.indicators = append(tv.indicators, flow.SecurityIndicator{Check: "signature", Passed: true, Severity: flow.SeverityHigh, Message: "ID token signature verified"})
	case sig.Checked:
		o.metrics.RecordValidationFailure(ctx, "signature", string(ReasonSignatureInvalid))
		tv.warn(&ValidationError{Parameter: "signature", Reasons: []params.Reason{ReasonSignatureInvalid}}, flow.SecurityIndicator{
			Check: "signature", Severity: flow.SeverityHigh, Message: "ID token signature invalid: " + sig.Error,
		})
	default:
		o.metrics.RecordValidationFailure(ctx, "signature", string(ReasonSignatureNotChecked))
		tv.warn(&ValidationError{Parameter: "signature", Reasons: []params.Reason{ReasonSignatureNotChecked}}, flow.SecurityIndicator{
			Check: "signature", Severity: flow.SeverityHigh, Message: "ID token signature not verified: " + sig.Error,
		})
	}
	return tv
}

// keySet returns the keys for verifying the flow's ID token: the inline JWKS,
// then the JWKS URI, then the provider's keys. It returns nil when none is
// configured.
func (o *Orchestrator) keySet(ctx context.Context, cfg *flow.Config) (oidc.KeySet, error) {
	if len(cfg.JWKS) > 0 {
		return StaticKeySet(cfg.JWKS)
	}
	p, hasProvider := o.registry.Get(cfg.Provider)
	if cfg.JWKSURI != "" {
		if hasProvider && p.jwksURI == cfg.JWKSURI && p.KeySet() != nil {
			return p.KeySet(), nil
		}
		return oidc.NewRemoteKeySet(oidc.ClientContext(ctx, o.httpClient), cfg.JWKSURI), nil
	}
	if hasProvider {
		return p.KeySet(), nil
	}
	return nil, nil
}

func (o *Orchestrator) assess(ctx context.Context, id string) (*flow.Execution, error) {
	exec, err := o.transition(id, func(e *flow.Execution, now time.Time) error {
		e.FinishStep(flow.StepSecurityAssessment, flow.StepComplete, now)
		a := o.engine.Assess(e)
		e.Assessment = &a
		return e.SetStatus(flow.StatusComplete, now)
	})
	if err != nil {
		return nil, err
	}
	o.publish(id, events.TypeStepComplete, exec.Steps[len(exec.Steps)-1])
	o.publish(id, events.TypeAssessed, exec.Assessment)
	o.finish(id, events.TypeFlowComplete, exec)
	o.metrics.RecordCallback(ctx, "complete")
	o.log.Info().
		Str("flow_id", id).
		Int("score", exec.Assessment.Score).
		Str("level", string(exec.Assessment.Level)).
		Msg("flow complete")
	return exec, nil
}

// Cancel ends a running flow. The flow stays readable for the cancel grace
// period. An in-flight token exchange is not interrupted; its result is
// discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*flow.Execution, error) {
	exec, err := o.transition(id, func(e *flow.Execution, now time.Time) error {
		if s := e.CurrentStep(); s != nil && !s.Status.Done() {
			s.Status = flow.StepSkipped
			s.CompletedAt = now
		}
		return e.SetStatus(flow.StatusCancelled, now)
	})
	if err != nil {
		return nil, err
	}
	o.finish(id, events.TypeFlowCancelled, exec)
	if err := o.store.ScheduleRemoval(id, o.cancelGrace); err != nil {
		o.log.Debug().Err(err).Str("flow_id", id).Msg("schedule removal")
	}
	o.log.Info().Str("flow_id", id).Msg("flow cancelled")
	return exec, nil
}
