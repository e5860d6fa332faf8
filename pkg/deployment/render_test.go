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

package deployment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extfake "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/fake"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	fakedynamic "k8s.io/client-go/dynamic/fake"

	"github.com/sapcc/vcenter-operator/pkg/templates"
)

type fakeTracker map[string]struct{}

func (f fakeTracker) Seen(service, vcenter, version string) bool {
	_, ok := f[service+"/"+vcenter+"/"+version]
	return ok
}

func TestInjectServiceUserVersionSelection(t *testing.T) {
	declarations := map[string]templates.ServiceUser{"testservice": {UsernameTemplate: "svc-test-"}}
	serviceUsers := map[string][]string{
		"test_region/vcenter-operator/testservice/test_vcenter": {"1", "2"},
	}
	options := func() map[string]interface{} {
		return map[string]interface{}{
			"region":       "test_region",
			"vcenter_name": "test_vcenter",
		}
	}

	// version 2 exists in vault but no workload has been seen with it yet
	opts := options()
	tracker := fakeTracker{"testservice/test_vcenter/1": {}}
	require.NoError(t, injectServiceUser(opts, "testservice", serviceUsers, tracker, declarations))
	assert.Equal(t, "1", opts["service_user_version"])
	assert.Equal(t,
		`{{ resolve "vault+kvv2:///secrets/test_region/vcenter-operator/testservice/test_vcenter/username?version=1" }}@vsphere.local`,
		opts["username"])
	assert.Equal(t,
		`{{ resolve "vault+kvv2:///secrets/test_region/vcenter-operator/testservice/test_vcenter/password?version=1" }}`,
		opts["password"])

	// once seen, the newer version wins
	opts = options()
	tracker["testservice/test_vcenter/2"] = struct{}{}
	require.NoError(t, injectServiceUser(opts, "testservice", serviceUsers, tracker, declarations))
	assert.Equal(t, "2", opts["service_user_version"])
}

func TestInjectServiceUserErrors(t *testing.T) {
	opts := map[string]interface{}{"region": "r", "vcenter_name": "vc"}

	err := injectServiceUser(opts, "unknown", nil, fakeTracker{}, map[string]templates.ServiceUser{})
	assert.ErrorIs(t, err, ErrServiceUserNotFound)

	declarations := map[string]templates.ServiceUser{"svc": {UsernameTemplate: "svc-"}}
	err = injectServiceUser(opts, "svc", map[string][]string{}, fakeTracker{}, declarations)
	assert.ErrorIs(t, err, ErrServiceUserPathNotFound)
}

func renderEnvironment(t *testing.T, objects ...runtime.Object) *templates.Environment {
	scheme := runtime.NewScheme()
	dyn := fakedynamic.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{
			{Group: templates.APIGroup, Version: "v1", Resource: "vcentertemplates"}:    "VCenterTemplateList",
			{Group: templates.APIGroup, Version: "v1", Resource: "vcenterserviceusers"}: "VCenterServiceUserList",
		}, objects...)
	return templates.NewEnvironment(dyn, extfake.NewSimpleClientset())
}

func TestRenderInjectsServiceUserPlaceholders(t *testing.T) {
	source := `apiVersion: v1
kind: Secret
metadata:
  name: nova-compute-vmware-{{ name }}
  labels:
    vcenter-operator-secret-version: {{ service_user_version | quote }}
  annotations:
    uses-service-user: testservice
stringData:
  username: '{{ username }}'
  password: '{{ password }}'`

	template := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": templates.APIGroup + "/v1",
		"kind":       "VCenterTemplate",
		"metadata": map[string]interface{}{
			"name":            "nova",
			"namespace":       "monsoon3",
			"resourceVersion": "1",
			"uid":             "uid-nova",
		},
		"options": map[string]interface{}{
			"scope":          "cluster",
			"jinja2_options": map[string]interface{}{"uses-service-user": "testservice"},
		},
		"template": source,
	}}
	declaration := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": templates.APIGroup + "/v1",
		"kind":       "VCenterServiceUser",
		"metadata": map[string]interface{}{
			"name":            "testservice",
			"namespace":       "monsoon3",
			"resourceVersion": "1",
			"uid":             "uid-testservice",
		},
		"spec": map[string]interface{}{"username": "svc-test-"},
	}}

	env := renderEnvironment(t, template, declaration)
	ctx := context.Background()
	require.NoError(t, env.PollLoaders(ctx))
	require.NoError(t, env.ServiceUsers.Poll(ctx))

	options := map[string]interface{}{
		"name":         "test_name",
		"vcenter_name": "test_vcenter",
		"region":       "test_region",
		"host":         "test_vcenter",
	}
	serviceUsers := map[string][]string{
		"test_region/vcenter-operator/testservice/test_vcenter": {"1"},
	}
	tracker := fakeTracker{"testservice/test_vcenter/1": {}}

	state := NewState("monsoon3", false)
	require.NoError(t, state.Render(env, "vcenter_cluster", options, serviceUsers, tracker))

	id := ItemID{"v1", "Secret", "nova-compute-vmware-test_name", ""}
	require.Contains(t, state.items, id)
	item := state.items[id]

	version, _, err := unstructured.NestedString(item.Object, "metadata", "labels", "vcenter-operator-secret-version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	username, _, err := unstructured.NestedString(item.Object, "stringData", "username")
	require.NoError(t, err)
	assert.Equal(t,
		`{{ resolve "vault+kvv2:///secrets/test_region/vcenter-operator/testservice/test_vcenter/username?version=1" }}@vsphere.local`,
		username)

	password, _, err := unstructured.NestedString(item.Object, "stringData", "password")
	require.NoError(t, err)
	assert.Equal(t,
		`{{ resolve "vault+kvv2:///secrets/test_region/vcenter-operator/testservice/test_vcenter/password?version=1" }}`,
		password)

	// the injected keys stay local to the template's render
	assert.NotContains(t, options, "username")
	assert.NotContains(t, options, "service_user_version")

	// the rendered resource is owned by its template
	refs := item.GetOwnerReferences()
	require.Len(t, refs, 1)
	assert.Equal(t, "nova", refs[0].Name)
}

func TestRenderMissingDeclarationIsFatal(t *testing.T) {
	template := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": templates.APIGroup + "/v1",
		"kind":       "VCenterTemplate",
		"metadata": map[string]interface{}{
			"name":            "nova",
			"namespace":       "monsoon3",
			"resourceVersion": "1",
			"uid":             "uid-nova",
		},
		"options": map[string]interface{}{
			"scope":          "cluster",
			"jinja2_options": map[string]interface{}{"uses-service-user": "testservice"},
		},
		"template": "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x",
	}}

	env := renderEnvironment(t, template)
	require.NoError(t, env.PollLoaders(context.Background()))

	state := NewState("monsoon3", false)
	err := state.Render(env, "vcenter_cluster", map[string]interface{}{}, nil, fakeTracker{})
	assert.ErrorIs(t, err, ErrServiceUserNotFound)
}
