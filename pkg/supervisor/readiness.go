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

package supervisor

import "strings"

// ReadinessDetector decides from one line of process output whether the
// service has become ready. It is a compatibility shim for services that
// cannot signal readiness explicitly (see Supervisor.MarkReady).
type ReadinessDetector interface {
	Ready(line string) bool
}

// DefaultMarkers are the substrings recognized as readiness by default.
var DefaultMarkers = []string{"listening", "started", "running", "initialized"}

var addrInUseMarkers = []string{"eaddrinuse", "address already in use"}

// MarkerDetector matches case-insensitive substrings.
type MarkerDetector struct {
	markers []string
}

// NewMarkerDetector returns a detector for markers, or DefaultMarkers when
// none are given.
func NewMarkerDetector(markers ...string) *MarkerDetector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}
	return &MarkerDetector{markers: lowered}
}

// Ready implements ReadinessDetector.
func (d *MarkerDetector) Ready(line string) bool {
	return containsAny(strings.ToLower(line), d.markers)
}

func isAddrInUse(line string) bool {
	return containsAny(strings.ToLower(line), addrInUseMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
