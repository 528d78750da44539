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

package state

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backends accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the lease store for backend. An empty path selects the
// backend's default location next to DefaultPath.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewManager(path)
	case BackendSQLite:
		if path == "" {
			p, err := DefaultPath()
			if err != nil {
				return nil, err
			}
			path = strings.TrimSuffix(p, filepath.Ext(p)) + ".db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
