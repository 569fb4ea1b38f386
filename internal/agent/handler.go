package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/whtunnel/whtunnel/internal/protocol"
)

// RequestHandler processes tunnelled requests against the local backend.
type RequestHandler struct {
	targetURL string
	client    *http.Client
}

// NewRequestHandler creates a handler targeting the given backend url.
func NewRequestHandler(targetURL string) *RequestHandler {
	return &RequestHandler{
		targetURL: targetURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HandleRequest executes req against the backend and returns the
// response frame to relay back. It never returns a Go error: backend
// and framing failures are reported as a 502 HTTPResponse so the
// control channel stays up.
func (h *RequestHandler) HandleRequest(req *protocol.HTTPRequest) *protocol.HTTPResponse {
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return _error_response(req.RequestID, http.StatusBadGateway, "malformed request body")
	}

	backendURL := h.targetURL + req.Path
	if req.QueryString != "" {
		backendURL += "?" + req.QueryString
	}
	slog.Debug("forwarding request to backend", "method", req.Method, "url", backendURL)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequest(req.Method, backendURL, bodyReader)
	if err != nil {
		return _error_response(req.RequestID, http.StatusBadGateway, "creating backend request")
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if u, err := url.Parse(backendURL); err == nil {
		httpReq.Host = u.Host
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		slog.Warn("backend request failed", "err", err, "url", backendURL)
		return _error_response(req.RequestID, http.StatusBadGateway, fmt.Sprintf("backend unreachable: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return _error_response(req.RequestID, http.StatusBadGateway, "reading backend response")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      base64.StdEncoding.EncodeToString(respBody),
	}
}

// _error_response builds a response frame reporting a local failure to
// reach or handle the backend request.
func _error_response(requestID string, status int, message string) *protocol.HTTPResponse {
	return &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"content-type": "text/plain"},
		Body:      base64.StdEncoding.EncodeToString([]byte(message)),
	}
}
