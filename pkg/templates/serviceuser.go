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

package templates

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
)

var serviceUserGVR = schema.GroupVersionResource{
	Group:    APIGroup,
	Version:  "v1",
	Resource: "vcenterserviceusers",
}

// ErrUsernameTemplateDuplicate rejects service user declarations whose
// username template collides with another declaration. Since the templates
// are matched by prefix against existing users, one template being a prefix
// of another is a collision too.
var ErrUsernameTemplateDuplicate = errors.New("username template already in use")

// ServiceUser is one VCenterServiceUser declaration.
type ServiceUser struct {
	ResourceVersion  string
	UsernameTemplate string
	Namespace        string
}

// ServiceUserLoader polls VCenterServiceUser resources into a mapping from
// service name to declaration.
type ServiceUserLoader struct {
	dyn dynamic.Interface
	ext apiextensionsclient.Interface
	log logr.Logger

	crdCreated bool

	mu      sync.RWMutex
	mapping map[string]ServiceUser
}

func newServiceUserLoader(dyn dynamic.Interface, ext apiextensionsclient.Interface) *ServiceUserLoader {
	return &ServiceUserLoader{
		dyn:     dyn,
		ext:     ext,
		log:     klog.Background().WithName("templates").WithValues("crd", serviceUserGVR.Resource),
		mapping: map[string]ServiceUser{},
	}
}

// Poll replaces the declaration mapping. On a username template collision the
// prior mapping is retained and the error is returned, so the caller can skip
// the tick.
func (l *ServiceUserLoader) Poll(ctx context.Context) error {
	l.ensureCRD(ctx)

	list, err := l.dyn.Resource(serviceUserGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		return errors.Wrap(err, "listing VCenterServiceUser resources")
	}

	mapping := map[string]ServiceUser{}
	for i := range list.Items {
		item := &list.Items[i]
		username, found, err := unstructured.NestedString(item.Object, "spec", "username")
		if err != nil || !found || username == "" {
			l.log.Error(err, "skipping service user without username", "namespace", item.GetNamespace(), "name", item.GetName())
			continue
		}
		for service, existing := range mapping {
			if strings.HasPrefix(existing.UsernameTemplate, username) ||
				strings.HasPrefix(username, existing.UsernameTemplate) {
				return errors.Wrapf(ErrUsernameTemplateDuplicate,
					"%s/%s conflicts with %s (%s)", item.GetNamespace(), item.GetName(), service, existing.UsernameTemplate)
			}
		}
		mapping[item.GetName()] = ServiceUser{
			ResourceVersion:  item.GetResourceVersion(),
			UsernameTemplate: username,
			Namespace:        item.GetNamespace(),
		}
	}

	l.mu.Lock()
	l.mapping = mapping
	l.mu.Unlock()
	return nil
}

// Mapping returns a copy of the current declarations keyed by service name.
func (l *ServiceUserLoader) Mapping() map[string]ServiceUser {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mapping := make(map[string]ServiceUser, len(l.mapping))
	for k, v := range l.mapping {
		mapping[k] = v
	}
	return mapping
}

func (l *ServiceUserLoader) ensureCRD(ctx context.Context) {
	if l.crdCreated || l.ext == nil {
		return
	}
	crd := customResourceDefinition("vcenterserviceusers", "vcenterserviceuser", "VCenterServiceUser", []string{"vcsu"})
	_, err := l.ext.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, crd, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		l.log.Error(err, "could not create custom resource definition", "name", crd.Name)
		return
	}
	l.crdCreated = true
}
