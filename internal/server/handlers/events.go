package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/nocloudhq/cloudbridge/internal/errors"
	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
	"github.com/nocloudhq/cloudbridge/internal/transport"
)

// RequestDispatcher serves inbound request envelopes.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, caller identity.Caller, req rpc.Request)
}

// ResponseSink consumes inbound response envelopes.
type ResponseSink interface {
	OnResponse(resp rpc.Response) bool
}

// AcceptedResponse acknowledges an event envelope.
type AcceptedResponse struct {
	Accepted  bool          `json:"accepted"`
	RequestID rpc.RequestID `json:"requestId"`
}

// CallerPolicy decides how much of an inbound request envelope is trusted.
type CallerPolicy struct {
	// Token must accompany X-Identifier-* headers for them to count. With
	// no token configured, callers are identified by ip alone.
	Token string

	// ReplyToHosts lists hosts responses may be posted to besides the
	// peer's own address.
	ReplyToHosts []string
}

// EventsOption configures Events.
type EventsOption func(*Events)

// WithCallerPolicy sets the caller policy for inbound requests.
func WithCallerPolicy(policy CallerPolicy) EventsOption {
	return func(e *Events) { e.policy = policy }
}

// Events receives the two halves of the event transport.
type Events struct {
	dispatcher RequestDispatcher
	responses  ResponseSink
	policy     CallerPolicy
	logger     observability.Logger
	inflight   sync.WaitGroup
}

// NewEvents creates the event handlers. Either side may be nil when this
// process does not play that role.
func NewEvents(dispatcher RequestDispatcher, responses ResponseSink, logger observability.Logger, opts ...EventsOption) *Events {
	e := &Events{
		dispatcher: dispatcher,
		responses:  responses,
		logger:     observability.OrNop(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleRequest accepts a request envelope and dispatches it in the
// background. The response travels back to the caller's X-Reply-To URL.
func (e *Events) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if e.dispatcher == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("this server does not serve requests"))
		return
	}

	req, ok := e.readRequest(w, r)
	if !ok {
		return
	}

	trusted, ok := e.checkCallerToken(r)
	if !ok {
		respondWithError(w, r, apperrors.NewUnauthorizedError("invalid caller token"))
		return
	}

	caller := transport.CallerFromRequest(r, trusted)
	if caller.Source == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError(transport.HeaderReplyTo+" header is required"))
		return
	}
	if !transport.ReplyToAllowed(caller.Source, caller.Identifier(identity.KindIP), e.policy.ReplyToHosts) {
		e.logger.Warn("Rejected request envelope with foreign reply-to",
			zap.String("reply_to", caller.Source),
			zap.String("peer", identity.MaskValue(caller.Identifier(identity.KindIP))))
		respondWithError(w, r, apperrors.NewForbiddenError(transport.HeaderReplyTo+" must point back at the caller"))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.dispatcher.Dispatch(ctx, caller, req)
	}()

	writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true, RequestID: req.RequestID})
}

// checkCallerToken reports whether identifier headers may be trusted. A
// token that is presented but wrong fails the request; without a configured
// token nothing is trusted.
func (e *Events) checkCallerToken(r *http.Request) (trusted, ok bool) {
	got := r.Header.Get(transport.HeaderCallerToken)
	if got == "" || e.policy.Token == "" {
		return false, true
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(e.policy.Token)) != 1 {
		return false, false
	}
	return true, true
}

// HandleResponse feeds a response envelope to the local correlator. Unknown
// and late request ids are accepted and dropped there.
func (e *Events) HandleResponse(w http.ResponseWriter, r *http.Request) {
	if e.responses == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("this server does not accept responses"))
		return
	}

	body, err := transport.ReadEnvelope(r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "unable to read response envelope"))
		return
	}
	resp, err := rpc.DecodeResponse(body)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid response envelope"))
		return
	}

	if !e.responses.OnResponse(resp) {
		e.logger.Debug("Response did not match a pending call",
			zap.Uint32("request_id", uint32(resp.RequestID)))
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true, RequestID: resp.RequestID})
}

// Drain waits for background dispatches to finish or for ctx to end.
func (e *Events) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Events) readRequest(w http.ResponseWriter, r *http.Request) (rpc.Request, bool) {
	body, err := transport.ReadEnvelope(r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "unable to read request envelope"))
		return rpc.Request{}, false
	}
	req, err := rpc.DecodeRequest(body)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request envelope"))
		return rpc.Request{}, false
	}
	return req, true
}
