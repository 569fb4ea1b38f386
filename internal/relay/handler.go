package relay

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/whtunnel/whtunnel/internal/protocol"
)

// hopByHopHeaders are stripped from agent replies before rendering the
// public HTTP response, per spec.md §4.5.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// ProxyHandler implements the public-side proxy contract of spec.md §4.5:
// resolve a tunnel by Host, correlate a request_id through the pending
// table, dispatch, wait, and render.
type ProxyHandler struct {
	registry       *Registry
	pending        *PendingTable
	baseDomain     string
	requestTimeout time.Duration
	maxBodyBytes   int64
	maxPending     int
}

// NewProxyHandler builds a proxy handler bound to the given registry and
// pending table.
func NewProxyHandler(registry *Registry, pending *PendingTable, baseDomain string, requestTimeout time.Duration, maxBodyBytes int64, maxPendingPerTunnel int) *ProxyHandler {
	return &ProxyHandler{
		registry:       registry,
		pending:        pending,
		baseDomain:     baseDomain,
		requestTimeout: requestTimeout,
		maxBodyBytes:   maxBodyBytes,
		maxPending:     maxPendingPerTunnel,
	}
}

// ServeHTTP implements http.Handler.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := ExtractSubdomain(r.Host, h.baseDomain)
	if !ok {
		writeErr(w, NewError(KindTunnelNotFound, nil))
		return
	}

	tunnel, ok := h.registry.Lookup(subdomain)
	if !ok {
		writeErr(w, NewError(KindTunnelNotFound, nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		writeErr(w, NewError(KindDispatchFailed, err))
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		writeErr(w, NewError(KindPayloadTooLarge, nil))
		return
	}

	if h.maxPending > 0 && h.pending.CountForTunnel(tunnel.ID) >= h.maxPending {
		writeErr(w, NewError(KindDispatchFailed, nil))
		return
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(h.requestTimeout)

	waiter, err := h.pending.Register(requestID, tunnel.ID, deadline)
	if err != nil {
		writeErr(w, NewError(KindDispatchFailed, err))
		return
	}

	frame := &protocol.HTTPRequest{
		Type:        protocol.TypeHTTPRequest,
		RequestID:   requestID,
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     flattenHeaders(r.Header),
		Body:        base64.StdEncoding.EncodeToString(body),
	}

	if err := tunnel.Send(frame); err != nil {
		h.pending.Cancel(requestID)
		// A failed write means the agent channel is broken: closing it
		// ends the control connection's read loop, which tears the tunnel down.
		tunnel.Channel.Close()
		writeErr(w, NewError(KindDispatchFailed, err))
		return
	}
	tunnel.IncrementRequestCount()

	// The waiter enforces the request deadline itself; the request context
	// only signals that the public client went away.
	reply, err := waiter.Await(r.Context())
	if err != nil {
		if relayErr, ok := err.(*Error); ok && relayErr.Kind == KindCancelled {
			// public client went away; no response to send.
			return
		}
		writeErr(w, err)
		return
	}

	writeReply(w, reply)
}

// flattenHeaders converts http.Header's multi-value map into the flat
// lowercase-name -> comma-joined-value mapping spec.md §4.5 requires.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// writeReply renders a successful agent reply into the public HTTP
// response, clamping status and dropping hop-by-hop headers.
func writeReply(w http.ResponseWriter, reply Reply) {
	status := reply.Status
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	for k, v := range reply.Headers {
		if hopByHopHeaders[strings.ToLower(k)] || strings.HasPrefix(strings.ToLower(k), "proxy-") {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if len(reply.Body) > 0 {
		w.Write(reply.Body)
	}
}

// writeErr renders a relay.Error as the short human-readable phrase
// response spec.md §7 requires.
func writeErr(w http.ResponseWriter, err error) {
	relayErr, ok := err.(*Error)
	if !ok {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	slog.Debug("proxy handler error", "kind", relayErr.Kind, "err", relayErr.Err)
	http.Error(w, relayErr.Kind.Phrase(), relayErr.Kind.HTTPStatus())
}
