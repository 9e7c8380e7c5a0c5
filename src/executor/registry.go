// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package executor

import (
	"fmt"
	"sync"

	"forgeworker/src/sandbox"
)

// Registry maps task ids to their live execution environments so other
// in-process requests can reattach without re-provisioning. It is owned
// by a single worker instance; entries live from environment registration
// to teardown. Multi-instance reattachment routing is unresolved and out
// of scope here.
type Registry struct {
	mu           sync.RWMutex
	environments map[string]*sandbox.Environment
}

func NewRegistry() *Registry {
	return &Registry{environments: make(map[string]*sandbox.Environment)}
}

// Register binds a live environment to a task id.
func (r *Registry) Register(taskID string, env *sandbox.Environment) error {
	if env == nil {
		return fmt.Errorf("environment cannot be nil")
	}
	if taskID == "" {
		return fmt.Errorf("task ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	envCopy := *env
	r.environments[taskID] = &envCopy
	return nil
}

// Deregister drops the binding. Deregistering an unknown task id is a
// no-op; teardown paths must stay idempotent.
func (r *Registry) Deregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.environments, taskID)
}

// Get returns a copy of the environment bound to a task id.
func (r *Registry) Get(taskID string) (*sandbox.Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.environments[taskID]
	if !ok {
		return nil, false
	}
	envCopy := *env
	return &envCopy, true
}

// Count returns the number of live environments.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.environments)
}
