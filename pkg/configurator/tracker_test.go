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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapcc/vcenter-operator/pkg/deployment"
)

var _ deployment.VersionSeen = (*Tracker)(nil)

func TestTrackerStampAndSeen(t *testing.T) {
	tracker := NewTracker()

	assert.False(t, tracker.Seen("cinder", "vc-a-0", "1"))
	tracker.Stamp("cinder", "vc-a-0", "1")
	assert.True(t, tracker.Seen("cinder", "vc-a-0", "1"))
	assert.False(t, tracker.Seen("cinder", "vc-b-0", "1"))
	assert.False(t, tracker.Seen("nova", "vc-a-0", "1"))

	tracker.Delete("cinder", "vc-a-0", "1")
	assert.False(t, tracker.Seen("cinder", "vc-a-0", "1"))
}

func TestTrackerSeedDoesNotRefresh(t *testing.T) {
	tracker := NewTracker()
	past := time.Now().Add(-25 * time.Hour)
	tracker.now = func() time.Time { return past }
	require.True(t, tracker.SeedIfMissing("cinder", "vc-a-0", "1"))

	tracker.now = time.Now
	assert.False(t, tracker.SeedIfMissing("cinder", "vc-a-0", "1"))
	lastSeen, ok := tracker.LastSeen("cinder", "vc-a-0", "1")
	require.True(t, ok)
	assert.Equal(t, past, lastSeen)
}
