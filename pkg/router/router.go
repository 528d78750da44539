// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router is the gateway front door. It resolves the longest
// matching route, holds requests back until the target service is ready,
// fails fast while a guarded route's circuit is open and otherwise forwards
// to the target's base address.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pigeonworks-llc/go-svcgate/pkg/breaker"
)

// AdminPrefix is reserved for gateway endpoints.
const AdminPrefix = "/_gateway/"

const (
	// RequestIDHeader carries the per-request correlation ID.
	RequestIDHeader = "X-Request-ID"
	// FallbackHeader marks responses served from a static fallback payload.
	FallbackHeader = "X-Gateway-Fallback"

	DefaultStartingRetryAfter = time.Second
	DefaultDialTimeout        = 5 * time.Second
)

// ErrDownstreamFailure marks a forward that failed at the network level or
// returned a non-success status.
var ErrDownstreamFailure = errors.New("downstream failure")

// Error codes carried in every gateway error payload.
const (
	CodeServiceStarting       = "service_starting"
	CodeCircuitOpen           = "circuit_open"
	CodeDownstreamUnreachable = "downstream_unreachable"
	CodeRouteNotFound         = "route_not_found"
)

// Gate reports per-service readiness.
type Gate interface {
	IsReady(service string) bool
}

// TargetResolver supplies the base URL of a service.
type TargetResolver interface {
	Target(service string) (*url.URL, bool)
}

// TargetFunc adapts a function to TargetResolver.
type TargetFunc func(service string) (*url.URL, bool)

func (f TargetFunc) Target(service string) (*url.URL, bool) {
	return f(service)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger.Named("router")
	}
}

// WithMetrics enables request metrics and the metrics endpoint.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTransport replaces the forwarding transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Router) {
		r.transport = rt
	}
}

// WithStatus sets the provider for the status endpoint body.
func WithStatus(fn func() any) Option {
	return func(r *Router) {
		r.status = fn
	}
}

// WithStartingRetryAfter sets the Retry-After hint for routes still starting.
func WithStartingRetryAfter(d time.Duration) Option {
	return func(r *Router) {
		r.startingRetryAfter = d
	}
}

// Router forwards inbound requests. It is safe for concurrent use.
type Router struct {
	table     *Table
	gate      Gate
	breakers  *breaker.Registry
	targets   TargetResolver
	transport http.RoundTripper
	metrics   *Metrics
	status    func() any
	logger    *zap.Logger

	startingRetryAfter time.Duration
}

// New creates a router. breakers may be nil when no route is guarded.
func New(table *Table, gate Gate, breakers *breaker.Registry, targets TargetResolver, opts ...Option) *Router {
	r := &Router{
		table:    table,
		gate:     gate,
		breakers: breakers,
		targets:  targets,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultDialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		logger:             zap.NewNop(),
		startingRetryAfter: DefaultStartingRetryAfter,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = breaker.NewRegistry(nil)
	}
	return r
}

// errorBody is the JSON payload of every gateway-generated error.
type errorBody struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Service     string `json:"service,omitempty"`
	Remote      *bool  `json:"remote,omitempty"`
	CircuitOpen *bool  `json:"circuitOpen,omitempty"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

func boolPtr(b bool) *bool {
	return &b
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set(RequestIDHeader, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)

	if strings.HasPrefix(req.URL.Path, AdminPrefix) {
		r.serveAdmin(w, req, requestID)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	label := "none"
	outcome := OutcomeNoRoute

	route, ok := r.table.Match(req.URL.Path)
	if ok {
		label = route.Prefix
		outcome = r.serveRoute(sw, req, route, requestID)
	} else {
		writeJSON(sw, http.StatusNotFound, errorBody{
			Error:     "no route for " + req.URL.Path,
			Code:      CodeRouteNotFound,
			RequestID: requestID,
		})
	}

	status := sw.code()
	if isUpgrade(req) && status == http.StatusOK && !sw.wroteHeader {
		status = http.StatusSwitchingProtocols
	}
	duration := time.Since(start)
	r.metrics.observe(req.Method, label, outcome, status, duration)
	r.logger.Debug("request",
		zap.String("request_id", requestID),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("route", label),
		zap.String("outcome", outcome),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)
}

// serveRoute applies gate, breaker and forwarding for one matched route and
// returns the outcome label.
func (r *Router) serveRoute(w http.ResponseWriter, req *http.Request, route Route, requestID string) string {
	if !r.gate.IsReady(route.Service) {
		retry := retrySeconds(r.startingRetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:      "service starting",
			Code:       CodeServiceStarting,
			Service:    route.Service,
			RetryAfter: retry,
			RequestID:  requestID,
		})
		return OutcomeStarting
	}

	var guard *breaker.Breaker
	if route.Guarded {
		guard = r.breakers.Get(route.Service)
		if err := guard.Allow(); err != nil {
			var openErr *breaker.OpenError
			retry := 1
			if errors.As(err, &openErr) {
				retry = retrySeconds(openErr.RetryAfter)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusServiceUnavailable, errorBody{
				Error:       fmt.Sprintf("%s is temporarily unavailable", route.Service),
				Code:        CodeCircuitOpen,
				Service:     route.Service,
				Remote:      boolPtr(true),
				CircuitOpen: boolPtr(true),
				RetryAfter:  retry,
				RequestID:   requestID,
			})
			return OutcomeCircuitOpen
		}
	}

	target := route.target
	if target == nil {
		var ok bool
		if target, ok = r.targets.Target(route.Service); !ok {
			return r.unreachable(w, route, requestID, fmt.Errorf("%w: no address for %s", ErrDownstreamFailure, route.Service))
		}
	}

	outcome := OutcomeForwarded
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path, pr.Out.URL.RawPath = route.rewriteURL(pr.In.URL)
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set(RequestIDHeader, requestID)
		},
		Transport: r.transport,
		ModifyResponse: func(resp *http.Response) error {
			if failureStatus(resp.StatusCode) && guard != nil {
				r.recordFailure(guard, route, fmt.Errorf("%w: status %d", ErrDownstreamFailure, resp.StatusCode))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			// A client that went away says nothing about the downstream.
			if req.Context().Err() != nil {
				outcome = OutcomeUnreachable
				w.WriteHeader(499)
				return
			}
			err = fmt.Errorf("%w: %v", ErrDownstreamFailure, err)
			if guard != nil {
				r.recordFailure(guard, route, err)
			}
			outcome = r.unreachable(w, route, requestID, err)
		},
	}
	proxy.ServeHTTP(w, req)
	return outcome
}

// failureStatus reports whether a downstream status counts against its
// breaker: anything that is not informational, success or redirect.
func failureStatus(code int) bool {
	return code >= http.StatusBadRequest
}

func (r *Router) recordFailure(guard *breaker.Breaker, route Route, err error) {
	if guard.RecordFailure() {
		r.logger.Warn("circuit opened",
			zap.String("service", route.Service),
			zap.Duration("retry_after", guard.RetryAfter()),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("downstream failure recorded", zap.String("service", route.Service), zap.Error(err))
}

// unreachable serves the route's fallback payload, or a 502.
func (r *Router) unreachable(w http.ResponseWriter, route Route, requestID string, err error) string {
	r.logger.Warn("downstream unreachable",
		zap.String("service", route.Service),
		zap.String("route", route.Prefix),
		zap.Bool("fallback", route.Fallback != nil),
		zap.Error(err),
	)

	if fb := route.Fallback; fb != nil {
		contentType := fb.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		status := fb.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set(FallbackHeader, "true")
		w.WriteHeader(status)
		_, _ = w.Write(fb.Body)
		return OutcomeFallback
	}

	writeJSON(w, http.StatusBadGateway, errorBody{
		Error:       fmt.Sprintf("%s is unreachable", route.Service),
		Code:        CodeDownstreamUnreachable,
		Service:     route.Service,
		Remote:      boolPtr(true),
		CircuitOpen: boolPtr(false),
		RequestID:   requestID,
	})
	return OutcomeUnreachable
}

func (r *Router) serveAdmin(w http.ResponseWriter, req *http.Request, requestID string) {
	switch strings.TrimPrefix(req.URL.Path, AdminPrefix) {
	case "status":
		if r.status != nil {
			writeJSON(w, http.StatusOK, r.status())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"breakers": r.breakers.Snapshot()})
		return
	case "metrics":
		if r.metrics != nil {
			r.metrics.Handler().ServeHTTP(w, req)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorBody{
		Error:     "no route for " + req.URL.Path,
		Code:      CodeRouteNotFound,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// retrySeconds rounds d up to whole seconds, minimum one.
func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func isUpgrade(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

// statusWriter records the response status. Unwrap lets
// http.ResponseController reach Hijack and Flush for upgrades and streaming.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
