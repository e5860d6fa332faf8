/*
Copyright 2024 SAP SE.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package configurator

import (
	"sync"
	"time"
)

// Tracker remembers when a service-user version was last seen on a target,
// either because the operator created it, found it during reconciliation or
// observed a workload still using it. The deletion rules and the credential
// injection both work off these timestamps. Targets are vCenters by their
// short name or NSX-T managers by their building block.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]map[string]map[string]time.Time
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		lastSeen: map[string]map[string]map[string]time.Time{},
		now:      time.Now,
	}
}

// Seen reports whether the version has ever been sighted on the target. It
// deliberately ignores the age of the sighting, staleness only matters for
// deletion.
func (t *Tracker) Seen(service, target, version string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[service][target][version]
	return ok
}

// Stamp records a sighting of the version with the current time.
func (t *Tracker) Stamp(service, target, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(service, target)[version] = t.now()
}

// SeedIfMissing records a sighting only if the version is untracked. It
// reconstructs ground truth after a restart without refreshing the staleness
// clock of versions already under observation.
func (t *Tracker) SeedIfMissing(service, target, version string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	versions := t.entry(service, target)
	if _, ok := versions[version]; ok {
		return false
	}
	versions[version] = t.now()
	return true
}

// LastSeen returns the time of the most recent sighting.
func (t *Tracker) LastSeen(service, target, version string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	when, ok := t.lastSeen[service][target][version]
	return when, ok
}

// Delete forgets the version, typically after its principal was removed from
// the target.
func (t *Tracker) Delete(service, target, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen[service][target], version)
}

func (t *Tracker) entry(service, target string) map[string]time.Time {
	targets, ok := t.lastSeen[service]
	if !ok {
		targets = map[string]map[string]time.Time{}
		t.lastSeen[service] = targets
	}
	versions, ok := targets[target]
	if !ok {
		versions = map[string]time.Time{}
		targets[target] = versions
	}
	return versions
}
