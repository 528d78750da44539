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

package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Fallback is a static payload served when a route's downstream cannot be
// reached.
type Fallback struct {
	Status      int
	ContentType string
	Body        []byte
}

// Route maps a path prefix to a target service.
type Route struct {
	Prefix  string
	Service string
	// Rewrite replaces Prefix in the forwarded path. Empty keeps the path.
	Rewrite string
	// Guarded routes are protected by the service's circuit breaker.
	Guarded  bool
	Fallback *Fallback
	// Target is a static base URL. When empty the resolver supplies one.
	Target string

	target *url.URL
}

// Table is an immutable routing table.
type Table struct {
	routes []Route
}

// NewTable validates routes and orders them for longest-prefix matching.
func NewTable(routes []Route) (*Table, error) {
	seen := map[string]bool{}
	out := make([]Route, 0, len(routes))

	for _, rt := range routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", rt.Prefix)
		}
		if strings.HasPrefix(rt.Prefix, AdminPrefix) {
			return nil, fmt.Errorf("route %q: prefix is reserved", rt.Prefix)
		}
		if rt.Service == "" {
			return nil, fmt.Errorf("route %q: service is required", rt.Prefix)
		}
		if seen[rt.Prefix] {
			return nil, fmt.Errorf("route %q: duplicate prefix", rt.Prefix)
		}
		seen[rt.Prefix] = true

		if rt.Target != "" {
			u, err := url.Parse(rt.Target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("route %q: invalid target %q", rt.Prefix, rt.Target)
			}
			rt.target = u
		}
		out = append(out, rt)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return &Table{routes: out}, nil
}

// Match returns the route with the longest prefix matching path.
func (t *Table) Match(path string) (Route, bool) {
	for _, rt := range t.routes {
		if matchPrefix(rt.Prefix, path) {
			return rt, true
		}
	}
	return Route{}, false
}

// Routes returns the routes in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Services returns the distinct target services, sorted.
func (t *Table) Services() []string {
	seen := map[string]bool{}
	var out []string
	for _, rt := range t.routes {
		if !seen[rt.Service] {
			seen[rt.Service] = true
			out = append(out, rt.Service)
		}
	}
	sort.Strings(out)
	return out
}

// matchPrefix matches on path segment boundaries: /api matches /api and
// /api/x but not /apix.
func matchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// rewriteURL rewrites u's path and keeps its original encoding. The raw
// path is dropped only when the rewritten escaped form no longer decodes to
// the rewritten path.
func (rt Route) rewriteURL(u *url.URL) (path, rawPath string) {
	path = rt.rewritePath(u.Path)
	if u.RawPath == "" {
		return path, ""
	}
	escaped := u.EscapedPath()
	if !matchPrefix(rt.Prefix, escaped) {
		return path, ""
	}
	rawPath = rt.rewritePath(escaped)
	if decoded, err := url.PathUnescape(rawPath); err != nil || decoded != path {
		return path, ""
	}
	return path, rawPath
}

// rewritePath applies the route's prefix rewrite to path.
func (rt Route) rewritePath(path string) string {
	if rt.Rewrite == "" {
		return path
	}
	rest := strings.TrimPrefix(path, strings.TrimSuffix(rt.Prefix, "/"))
	out := strings.TrimSuffix(rt.Rewrite, "/") + rest
	if out == "" {
		return "/"
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}
