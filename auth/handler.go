package auth

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mnehpets/oauthlab/endpoint"
	"github.com/mnehpets/oauthlab/events"
	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/middleware"
	"github.com/rs/zerolog"
)

// DefaultHeartbeat is the idle interval after which an event stream sends a
// keep-alive comment.
const DefaultHeartbeat = 15 * time.Second

// Handler serves the flow API.
//
//	POST   /flows                 start a flow
//	GET    /flows                 flows started by this browser
//	GET    /flows/{id}            poll a flow
//	DELETE /flows/{id}            cancel a flow
//	GET    /flows/{id}/callback   identity provider redirect target
//	GET    /callback              redirect target resolved by state
//	GET    /events/{id}           server-sent events for a flow
//	GET    /result                result page the callback redirects to
type Handler struct {
	mux  *http.ServeMux
	orch *Orchestrator

	api       []endpoint.Processor
	page      []endpoint.Processor
	tracker   *middleware.TrackerProcessor
	cors      *middleware.CORSConfig
	limiter   *middleware.RateLimiter
	heartbeat time.Duration
	log       zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessors adds processors that run ahead of every endpoint.
func WithProcessors(p ...endpoint.Processor) HandlerOption {
	return func(h *Handler) {
		h.api = append(h.api, p...)
		h.page = append(h.page, p...)
	}
}

// WithTracker remembers the flows each browser starts in a sealed cookie.
func WithTracker(t *middleware.TrackerProcessor) HandlerOption {
	return func(h *Handler) {
		h.tracker = t
	}
}

// WithCORS allows cross-origin calls to the JSON API.
func WithCORS(cfg *middleware.CORSConfig) HandlerOption {
	return func(h *Handler) {
		h.cors = cfg
	}
}

// WithRateLimiter limits how fast a client can start flows.
func WithRateLimiter(rl *middleware.RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = rl
	}
}

// WithHeartbeat sets the event stream keep-alive interval.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.heartbeat = d
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = l
	}
}

// NewHandler creates the HTTP API over orch.
func NewHandler(orch *Orchestrator, opts ...HandlerOption) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		orch:      orch,
		heartbeat: DefaultHeartbeat,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	api := append([]endpoint.Processor{middleware.NewAPISecurityHeaders(middleware.WithCORS(h.cors))}, h.api...)
	page := append([]endpoint.Processor{middleware.NewAPISecurityHeaders(
		middleware.WithCSP("default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"),
	)}, h.page...)
	if h.tracker != nil {
		api = append(api, h.tracker)
		page = append(page, h.tracker)
	}
	start := api
	if h.limiter != nil {
		start = append(append([]endpoint.Processor{}, api...), h.limiter)
	}

	h.mux.HandleFunc("POST /flows", endpoint.HandleFunc(h.startFlow, start...))
	h.mux.HandleFunc("GET /flows", endpoint.HandleFunc(h.listFlows, api...))
	h.mux.HandleFunc("GET /flows/{id}", endpoint.HandleFunc(h.getFlow, api...))
	h.mux.HandleFunc("DELETE /flows/{id}", endpoint.HandleFunc(h.cancelFlow, api...))
	h.mux.HandleFunc("GET /flows/{id}/callback", endpoint.HandleFunc(h.flowCallback, page...))
	h.mux.HandleFunc("GET /callback", endpoint.HandleFunc(h.stateCallback, page...))
	h.mux.HandleFunc("GET /events/{id}", endpoint.HandleFunc(h.streamEvents, api...))
	h.mux.HandleFunc("GET /result", endpoint.HandleFunc(h.resultPage, page...))
	// Preflight requests are answered by the CORS processor in api.
	h.mux.HandleFunc("OPTIONS /", endpoint.HandleFunc(h.preflight, api...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) preflight(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.NoContentRenderer{}, nil
}

// apiError converts an orchestrator error to an endpoint error.
func apiError(err error) error {
	code := ErrorCode(err)
	var (
		pe *ProtocolError
		ve *ValidationError
		ie *InfrastructureError
	)
	switch {
	case errors.Is(err, flow.ErrNotFound):
		return endpoint.Error(http.StatusNotFound, code, "flow not found", err)
	case code == CodeFlowTerminal:
		return endpoint.Error(http.StatusConflict, code, "flow has already finished", err)
	case code == CodeFlowRunning:
		return endpoint.Error(http.StatusConflict, code, "flow is still running", err)
	case errors.As(err, &pe):
		return endpoint.Error(http.StatusBadRequest, code, pe.Description, err)
	case errors.As(err, &ve):
		return endpoint.Error(http.StatusBadRequest, code, ve.Error(), err)
	case errors.As(err, &ie):
		return endpoint.Error(http.StatusBadGateway, code, ie.Op+" failed", err)
	}
	return err
}

// StartRequest is the body of POST /flows. The client secret is accepted here
// but never serialized back.
type StartRequest struct {
	flow.Config
	ClientSecret string `json:"clientSecret,omitempty"`
}

// StartResponse is the body of a successful POST /flows.
type StartResponse struct {
	FlowID           string          `json:"flowId"`
	AuthorizationURL string          `json:"authorizationUrl"`
	Status           flow.Status     `json:"status"`
	Flow             *flow.Execution `json:"flow"`
}

type startParams struct {
	Body StartRequest `body:"" maxLength:"65536"`
}

func (h *Handler) startFlow(_ http.ResponseWriter, r *http.Request, p startParams) (endpoint.Renderer, error) {
	cfg := p.Body.Config
	cfg.ClientSecret = p.Body.ClientSecret
	exec, err := h.orch.Start(r.Context(), cfg)
	if err != nil {
		return nil, apiError(err)
	}
	if t, ok := middleware.TrackerFromContext(r.Context()); ok {
		t.Add(exec.ID)
	}
	return &endpoint.JSONRenderer{
		Status: http.StatusCreated,
		Value: StartResponse{
			FlowID:           exec.ID,
			AuthorizationURL: exec.AuthorizationURL,
			Status:           exec.Status,
			Flow:             exec,
		},
	}, nil
}

func (h *Handler) listFlows(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	t, _ := middleware.TrackerFromContext(r.Context())
	flows := h.orch.List(t.IDs())
	// Forget flows that have been reaped.
	if len(flows) != len(t.IDs()) {
		live := make(map[string]bool, len(flows))
		for _, f := range flows {
			live[f.ID] = true
		}
		for _, id := range t.IDs() {
			if !live[id] {
				t.Remove(id)
			}
		}
	}
	return &endpoint.JSONRenderer{Value: map[string]any{"flows": flows}}, nil
}

type flowParams struct {
	ID string `path:"id" maxLength:"64"`
}

func (h *Handler) getFlow(_ http.ResponseWriter, _ *http.Request, p flowParams) (endpoint.Renderer, error) {
	exec, err := h.orch.Get(p.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &endpoint.JSONRenderer{Value: map[string]any{"flow": exec}}, nil
}

// cancelFlow cancels a running flow and removes a finished one.
func (h *Handler) cancelFlow(_ http.ResponseWriter, r *http.Request, p flowParams) (endpoint.Renderer, error) {
	_, err := h.orch.Cancel(r.Context(), p.ID)
	if errors.Is(err, ErrFlowTerminal) {
		err = h.orch.Remove(p.ID)
	}
	if err != nil {
		return nil, apiError(err)
	}
	return &endpoint.JSONRenderer{Value: map[string]bool{"success": true}}, nil
}

type callbackParams struct {
	ID               string `path:"id" maxLength:"64"`
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error" maxLength:"256"`
	ErrorDescription string `query:"error_description"`
	ErrorURI         string `query:"error_uri"`
}

func (h *Handler) flowCallback(_ http.ResponseWriter, r *http.Request, p callbackParams) (endpoint.Renderer, error) {
	if p.Error == "" && (p.Code == "" || p.State == "") {
		return nil, endpoint.Error(http.StatusBadRequest, CodeInvalidRequest, "code and state are required", nil)
	}
	return h.callback(r.Context(), p)
}

func (h *Handler) stateCallback(_ http.ResponseWriter, r *http.Request, p callbackParams) (endpoint.Renderer, error) {
	if p.State == "" || (p.Error == "" && p.Code == "") {
		return nil, endpoint.Error(http.StatusBadRequest, CodeInvalidRequest, "code and state are required", nil)
	}
	id, ok := h.orch.LookupByState(p.State)
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, CodeFlowNotFound, "no flow issued this state", nil)
	}
	p.ID = id
	return h.callback(r.Context(), p)
}

// callback runs the callback and always redirects to the result page, so the
// browser's trip through the identity provider ends predictably.
func (h *Handler) callback(ctx context.Context, p callbackParams) (endpoint.Renderer, error) {
	_, err := h.orch.HandleCallback(ctx, p.ID, Callback{
		Code:             p.Code,
		State:            p.State,
		Error:            p.Error,
		ErrorDescription: p.ErrorDescription,
		ErrorURI:         p.ErrorURI,
	})
	if errors.Is(err, flow.ErrNotFound) {
		return nil, apiError(err)
	}

	q := url.Values{"flow": {p.ID}}
	if err != nil {
		q.Set("status", string(flow.StatusError))
		q.Set("error", ErrorCode(err))
		h.log.Info().Str("flow_id", p.ID).Str("error", ErrorCode(err)).Msg("callback rejected")
	} else {
		q.Set("status", string(flow.StatusComplete))
	}
	return &endpoint.RedirectRenderer{URL: "/result?" + q.Encode(), Status: http.StatusFound}, nil
}

type resultParams struct {
	FlowID string `query:"flow" maxLength:"64"`
	Status string `query:"status" maxLength:"32"`
	Error  string `query:"error" maxLength:"256"`
}

func (h *Handler) resultPage(_ http.ResponseWriter, _ *http.Request, p resultParams) (endpoint.Renderer, error) {
	v := resultValues{FlowID: p.FlowID, Status: p.Status, Error: p.Error}
	if v.Status != string(flow.StatusComplete) {
		v.Status = string(flow.StatusError)
	}
	if exec, err := h.orch.Get(p.FlowID); err == nil {
		v.FlowURL = "/flows/" + url.PathEscape(exec.ID)
		if exec.Assessment != nil {
			v.Score = exec.Assessment.Score
			v.Level = string(exec.Assessment.Level)
		}
	} else {
		v.FlowID = ""
	}
	return &endpoint.HTMLTemplateRenderer{Template: resultPage, Values: v}, nil
}

func (h *Handler) streamEvents(_ http.ResponseWriter, r *http.Request, p flowParams) (endpoint.Renderer, error) {
	// Subscribe before taking the snapshot so nothing published in between is
	// missed. Events already reflected in the snapshot may repeat; their
	// sequence numbers tell them apart.
	sub, cancel := h.orch.events.Subscribe(p.ID)
	exec, err := h.orch.Get(p.ID)
	if err != nil {
		cancel()
		return nil, apiError(err)
	}
	ctx := r.Context()
	return &endpoint.SSERenderer{
		Events:    h.eventSeq(ctx, exec, sub, cancel),
		Retry:     3 * time.Second,
		Heartbeat: h.heartbeat,
	}, nil
}

func (h *Handler) eventSeq(ctx context.Context, snapshot *flow.Execution, sub *events.Subscription, cancel func()) iter.Seq[endpoint.SSEvent] {
	return func(yield func(endpoint.SSEvent) bool) {
		defer cancel()
		if !yield(h.sseEvent(events.Event{
			Type:   events.TypeSnapshot,
			FlowID: snapshot.ID,
			Time:   snapshot.UpdatedAt,
			Data:   snapshot,
		})) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if !yield(h.sseEvent(ev)) {
					return
				}
			}
		}
	}
}

func (h *Handler) sseEvent(ev events.Event) endpoint.SSEvent {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("flow_id", ev.FlowID).Msg("encode event")
		data = []byte(`{"type":"` + string(ev.Type) + `"}`)
	}
	typ := string(ev.Type)
	out := endpoint.SSEvent{Type: &typ, Data: string(data)}
	if ev.Seq > 0 {
		id := strconv.FormatUint(ev.Seq, 10)
		out.ID = &id
	}
	return out
}
