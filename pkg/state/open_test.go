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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	t.Run("file", func(t *testing.T) {
		store, err := Open(BackendFile, filepath.Join(dir, "leases.json"))
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &Manager{}, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := Open(BackendSQLite, filepath.Join(dir, "leases.db"))
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLiteStore{}, store)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open("etcd", "")
		assert.Error(t, err)
	})
}
