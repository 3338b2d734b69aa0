package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
)

// Envelope types carried in binary WebSocket frames.
const (
	EnvelopeRequest  = "request"
	EnvelopeResponse = "response"
)

// Identity headers stamped onto synthesized requests from the authenticated
// session. External requests carrying them are not trusted; controllers must
// check FromSession first.
const (
	HeaderSessionUid    = "X-Courier-Uid"
	HeaderSessionDevice = "X-Courier-Device"
)

type sessionRequestKey struct{}

// FromSession reports whether the request was synthesized from an
// authenticated WebSocket session rather than received over plain HTTP.
func FromSession(r *http.Request) bool {
	v, _ := r.Context().Value(sessionRequestKey{}).(bool)
	return v
}

// Envelope is the tagged wrapper for every frame on a session. Exactly one of
// Request or Response is set, selected by Type.
type Envelope struct {
	Type     string       `json:"type"`
	Request  *RequestMsg  `json:"request,omitempty"`
	Response *ResponseMsg `json:"response,omitempty"`
}

// RequestMsg mirrors an HTTP request so the WebSocket shares the REST
// controllers. IDs correlate responses back to the issuing side.
type RequestMsg struct {
	ID      uint64            `json:"id"`
	Verb    string            `json:"verb"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ResponseMsg carries the outcome of a RequestMsg with the same ID.
type ResponseMsg struct {
	ID      uint64            `json:"id"`
	Status  int               `json:"status"`
	Message string            `json:"message,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// DecodeEnvelope parses a binary frame and checks the tag matches the set
// payload field.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case EnvelopeRequest:
		if env.Request == nil {
			return nil, fmt.Errorf("request envelope without request payload")
		}
	case EnvelopeResponse:
		if env.Response == nil {
			return nil, fmt.Errorf("response envelope without response payload")
		}
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return &env, nil
}

// EncodeRequest serializes a server-initiated request frame.
func EncodeRequest(req *RequestMsg) ([]byte, error) {
	return json.Marshal(Envelope{Type: EnvelopeRequest, Request: req})
}

// EncodeResponse serializes a response frame.
func EncodeResponse(resp *ResponseMsg) ([]byte, error) {
	return json.Marshal(Envelope{Type: EnvelopeResponse, Response: resp})
}

// ServeEnvelope synthesizes an http.Request from the message, runs it through
// the shared router and shapes the result into a ResponseMsg with the same id.
// Identity headers from the authenticated session override anything the
// client supplied.
func ServeEnvelope(handler http.Handler, req *RequestMsg, identity map[string]string) *ResponseMsg {
	verb := strings.ToUpper(req.Verb)
	if verb == "" {
		verb = http.MethodGet
	}

	// Verb and path are client-controlled; a malformed target must come back
	// as a response frame, never take down the read loop.
	httpReq, err := http.NewRequest(verb, req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return &ResponseMsg{
			ID:      req.ID,
			Status:  http.StatusBadRequest,
			Message: http.StatusText(http.StatusBadRequest),
		}
	}
	if httpReq.URL.Scheme == "" {
		httpReq.URL.Scheme = "http"
	}
	if httpReq.URL.Host == "" {
		httpReq.URL.Host = "session.internal"
		httpReq.Host = httpReq.URL.Host
	}
	httpReq.RequestURI = req.Path
	httpReq.RemoteAddr = "127.0.0.1:0"
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range identity {
		httpReq.Header.Set(k, v)
	}
	httpReq = httpReq.WithContext(context.WithValue(httpReq.Context(), sessionRequestKey{}, true))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)

	resp := &ResponseMsg{
		ID:      req.ID,
		Status:  rec.Code,
		Message: http.StatusText(rec.Code),
		Headers: map[string]string{},
	}
	for k := range rec.Header() {
		resp.Headers[k] = rec.Header().Get(k)
	}
	if body := rec.Body.Bytes(); len(body) > 0 {
		if json.Valid(body) {
			resp.Body = json.RawMessage(body)
		} else {
			quoted, _ := json.Marshal(string(body))
			resp.Body = quoted
		}
	}
	return resp
}
