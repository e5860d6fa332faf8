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
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sapcc/vcenter-operator/pkg/vault"
)

const (
	testHost = "vc-a-0.cc.qa-de-1.cloud.sap"
	testPath = "qa-de-1/vcenter-operator/cinder/vc-a-0"
)

func storeMetadata(latest int, expiry time.Time) *vault.Metadata {
	versions := map[string]vault.VersionMeta{}
	for i := 1; i <= latest; i++ {
		versions[strconv.Itoa(i)] = vault.VersionMeta{}
	}
	return &vault.Metadata{
		Versions:       versions,
		CustomMetadata: map[string]string{"expiry_date": expiry.Format("2006-01-02")},
	}
}

func seenAt(c *Configurator, service, target, version string, when time.Time) {
	saved := c.tracker.now
	c.tracker.now = func() time.Time { return when }
	c.tracker.Stamp(service, target, version)
	c.tracker.now = saved
}

func TestVaultPhaseCreatesMissingUser(t *testing.T) {
	c, store, _ := newTestConfigurator(t)

	latest, err := c.checkServiceUserVault(context.Background(), testPath, "svc-cinder-", "cinder")
	require.NoError(t, err)
	assert.Equal(t, "1", latest)
	assert.Equal(t, []string{testPath + ":1"}, store.created)
	assert.Equal(t, []string{"1"}, c.serviceUsers[testPath])
}

func TestVaultPhaseTriggersReplication(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	ctx := context.Background()
	expiry := time.Now().AddDate(0, 0, 200)

	// the write mount has the secret, the read mount lags completely behind
	store.metaWrite[testPath] = storeMetadata(1, expiry)
	_, err := c.checkServiceUserVault(ctx, testPath, "svc-cinder-", "cinder")
	assert.ErrorIs(t, err, vault.ErrNotReplicated)
	assert.Equal(t, []string{testPath}, store.replicated)

	// the read mount is behind by one version
	store.metaRead[testPath] = storeMetadata(1, expiry)
	store.metaWrite[testPath] = storeMetadata(2, expiry)
	_, err = c.checkServiceUserVault(ctx, testPath, "svc-cinder-", "cinder")
	assert.ErrorIs(t, err, vault.ErrNotReplicated)
	assert.Equal(t, []string{testPath, testPath}, store.replicated)
}

func TestVaultPhaseRotatesBeforeExpiry(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	expiry := time.Now().AddDate(0, 0, 30)
	store.metaWrite[testPath] = storeMetadata(3, expiry)
	store.metaRead[testPath] = storeMetadata(3, expiry)
	c.serviceUsers[testPath] = []string{"3"}

	latest, err := c.checkServiceUserVault(context.Background(), testPath, "svc-cinder-", "cinder")
	require.NoError(t, err)
	assert.Equal(t, "4", latest)
	assert.Equal(t, []string{testPath + ":4"}, store.created)
	assert.Equal(t, []string{"3", "4"}, c.serviceUsers[testPath])
}

func TestVaultPhaseRebuildsGroundTruth(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	expiry := time.Now().AddDate(0, 0, 200)
	store.metaWrite[testPath] = storeMetadata(3, expiry)
	store.metaRead[testPath] = storeMetadata(3, expiry)
	store.checkVersion = "3"

	// the path is valid in the store but unknown locally, for example after
	// a restart
	latest, err := c.checkServiceUserVault(context.Background(), testPath, "svc-cinder-", "cinder")
	require.NoError(t, err)
	assert.Equal(t, "3", latest)
	assert.Equal(t, []string{testPath}, store.checked)
	assert.Equal(t, []string{"3"}, c.serviceUsers[testPath])
}

func TestVaultPhasePicksUpNewVersion(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	expiry := time.Now().AddDate(0, 0, 200)
	store.metaWrite[testPath] = storeMetadata(3, expiry)
	store.metaRead[testPath] = storeMetadata(3, expiry)
	store.checkVersion = "3"
	c.serviceUsers[testPath] = []string{"2"}

	latest, err := c.checkServiceUserVault(context.Background(), testPath, "svc-cinder-", "cinder")
	require.NoError(t, err)
	assert.Equal(t, "3", latest)
	assert.Equal(t, []string{"2", "3"}, c.serviceUsers[testPath])
}

func TestVCenterPhaseCreatesCurrentUser(t *testing.T) {
	c, store, sso := newTestConfigurator(t)
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0001", Password: "pw"}

	err := c.checkServiceUserVCenter(context.Background(), testHost, nil, "svc-cinder-", "cinder", testPath, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-cinder-0001"}, sso.created)
	assert.Contains(t, sso.addedToGroup, "svc-cinder-0001")
	assert.True(t, c.tracker.Seen("cinder", "vc-a-0", "1"))
}

func TestVCenterPhaseUsernameMismatchTriggersReplication(t *testing.T) {
	c, store, sso := newTestConfigurator(t)
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0001", Password: "pw"}

	err := c.checkServiceUserVCenter(context.Background(), testHost, nil, "svc-cinder-", "cinder", testPath, "2")
	assert.ErrorIs(t, err, vault.ErrNotReplicated)
	assert.Equal(t, []string{testPath}, store.replicated)
	assert.Empty(t, sso.created)
}

func TestVCenterPhaseDeletesStaleUser(t *testing.T) {
	c, _, sso := newTestConfigurator(t)
	now := time.Now()
	sso.users[testHost] = map[string]bool{
		"svc-cinder-0001": true,
		"svc-cinder-0002": true,
	}
	seenAt(c, "cinder", "vc-a-0", "1", now.Add(-25*time.Hour))
	seenAt(c, "cinder", "vc-a-0", "2", now.Add(-10*time.Hour))

	err := c.checkServiceUserVCenter(context.Background(), testHost, nil, "svc-cinder-", "cinder", testPath, "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-cinder-0001"}, sso.deleted)
	assert.False(t, c.tracker.Seen("cinder", "vc-a-0", "1"))
	assert.True(t, c.tracker.Seen("cinder", "vc-a-0", "2"))
}

func TestVCenterPhaseNeverDeletesLastUser(t *testing.T) {
	c, store, sso := newTestConfigurator(t)
	now := time.Now()
	sso.users[testHost] = map[string]bool{"svc-cinder-0001": true}
	seenAt(c, "cinder", "vc-a-0", "1", now.Add(-25*time.Hour))
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0002", Password: "pw"}

	err := c.checkServiceUserVCenter(context.Background(), testHost, nil, "svc-cinder-", "cinder", testPath, "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-cinder-0002"}, sso.created)
	assert.Empty(t, sso.deleted)
}

func TestVCenterPhaseSeedsUnknownVersions(t *testing.T) {
	c, _, sso := newTestConfigurator(t)
	sso.users[testHost] = map[string]bool{
		"svc-cinder-0001": true,
		"svc-cinder-0002": true,
	}

	// versions found on the vCenter but unknown locally get a fresh
	// timestamp instead of being deleted right away
	err := c.checkServiceUserVCenter(context.Background(), testHost, nil, "svc-cinder-", "cinder", testPath, "2")
	require.NoError(t, err)
	assert.Empty(t, sso.deleted)
	assert.True(t, c.tracker.Seen("cinder", "vc-a-0", "1"))
	assert.True(t, c.tracker.Seen("cinder", "vc-a-0", "2"))
}

func TestNSXTPhaseCreatesAfterStaleCleanup(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	now := time.Now()
	manager := &fakeNSXTManager{bb: "bb042", users: map[string]bool{
		"svc-cinder-0001": true,
		"svc-cinder-0002": true,
	}}
	c.nsxtClients["bb42"] = manager
	seenAt(c, "cinder", "bb042", "1", now.Add(-25*time.Hour))
	seenAt(c, "cinder", "bb042", "2", now.Add(-10*time.Hour))
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0003", Password: "pw"}

	err := c.reconcileNSXTUsers(context.Background(), "bb42", "svc-cinder-", "cinder", testPath, "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-cinder-0001"}, manager.deleted)
	assert.Equal(t, []string{"svc-cinder-0003"}, manager.created)
	assert.Contains(t, manager.granted, "svc-cinder-0003:enterprise_admin")
	assert.True(t, c.tracker.Seen("cinder", "bb042", "3"))
}

func TestNSXTPhaseEvictsOldestWhenFull(t *testing.T) {
	c, store, _ := newTestConfigurator(t)
	now := time.Now()
	manager := &fakeNSXTManager{bb: "bb042", users: map[string]bool{
		"svc-cinder-0001": true,
		"svc-cinder-0002": true,
	}}
	c.nsxtClients["bb42"] = manager
	seenAt(c, "cinder", "bb042", "1", now.Add(-10*time.Hour))
	seenAt(c, "cinder", "bb042", "2", now.Add(-5*time.Hour))
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0003", Password: "pw"}

	// no user is stale yet, but the manager has no room for a third one
	err := c.reconcileNSXTUsers(context.Background(), "bb42", "svc-cinder-", "cinder", testPath, "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-cinder-0001"}, manager.deleted)
	assert.Equal(t, []string{"svc-cinder-0003"}, manager.created)
}

func TestNSXTPhaseGrantsMissingRole(t *testing.T) {
	c, _, _ := newTestConfigurator(t)
	manager := &fakeNSXTManager{bb: "bb042", users: map[string]bool{
		"svc-cinder-0002": false,
	}}
	c.nsxtClients["bb42"] = manager

	err := c.reconcileNSXTUsers(context.Background(), "bb42", "svc-cinder-", "cinder", testPath, "2")
	require.NoError(t, err)
	assert.Empty(t, manager.created)
	assert.Equal(t, []string{"svc-cinder-0002:enterprise_admin"}, manager.granted)
}

func TestReconcileThrottlesVaultChecks(t *testing.T) {
	c, store, sso := newTestConfigurator(t, serviceUserDeclaration("cinder", "svc-cinder-"))
	ctx := context.Background()
	require.NoError(t, c.env.ServiceUsers.Poll(ctx))
	store.secrets[testPath] = &vault.Credentials{Username: "svc-cinder-0001", Password: "pw"}

	require.NoError(t, c.reconcileServiceUsers(ctx, testHost, nil, nil))
	assert.Equal(t, 1, store.metadataGets)
	assert.Equal(t, []string{"svc-cinder-0001"}, sso.created)

	// within the check interval the store is left alone
	require.NoError(t, c.reconcileServiceUsers(ctx, testHost, nil, nil))
	assert.Equal(t, 1, store.metadataGets)
	assert.Equal(t, []string{"svc-cinder-0001"}, sso.created)
}

func workloadPod(name, service, vcenter, version string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "monsoon3",
			Labels:    map[string]string{},
		},
	}
	if version != "" {
		pod.Labels[serviceUserVersionLabel] = version
	}
	if vcenter != "" {
		pod.Labels["vcenter"] = vcenter
	}
	if service != "" {
		pod.Annotations = map[string]string{"uses-service-user": service}
	}
	return pod
}

func TestObservePodsStampsTracker(t *testing.T) {
	c, _, _ := newTestConfigurator(t, serviceUserDeclaration("cinder", "svc-cinder-"))
	ctx := context.Background()
	require.NoError(t, c.env.ServiceUsers.Poll(ctx))

	c.client = fake.NewSimpleClientset(
		workloadPod("nova-compute-0", "cinder", "vc-a-0", "2"),
		workloadPod("nova-compute-1", "neutron", "vc-a-0", "1"),
		workloadPod("nova-compute-2", "cinder", "", "1"),
	)
	c.observePods(ctx)

	assert.True(t, c.tracker.Seen("cinder", "vc-a-0", "2"))
	// undeclared services and incomplete labels are ignored
	assert.False(t, c.tracker.Seen("neutron", "vc-a-0", "1"))
	assert.False(t, c.tracker.Seen("cinder", "vc-a-0", "1"))
}
