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

package breaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per guarded downstream.
type Registry struct {
	config *Config
	opts   []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
	onOpen   []func(name string)
}

// NewRegistry creates a registry whose breakers share config and opts.
func NewRegistry(config *Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: map[string]*Breaker{},
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.config, r.opts...)
	b.onOpen = r.notifyOpen
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// OnOpen registers fn to run whenever a breaker in the registry opens.
func (r *Registry) OnOpen(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, fn)
}

func (r *Registry) notifyOpen(name string) {
	r.mu.RLock()
	listeners := append([]func(string){}, r.onOpen...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(name)
	}
}

// Reset closes the named breaker if it exists.
func (r *Registry) Reset(name string) {
	if b, ok := r.Lookup(name); ok {
		b.Reset()
	}
}

// Names returns all breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the state of every breaker, sorted by name.
func (r *Registry) Snapshot() []State {
	names := r.Names()
	out := make([]State, 0, len(names))
	for _, name := range names {
		if b, ok := r.Lookup(name); ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
