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
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"
)

var templateGVR = schema.GroupVersionResource{
	Group:    APIGroup,
	Version:  "v1",
	Resource: "vcentertemplates",
}

// supportedEngineOptions are the jinja2_options honored at render time.
// uses-service-user is interpreted by the deployment engine instead of the
// template engine.
var supportedEngineOptions = map[string]struct{}{
	"trim_blocks":       {},
	"lstrip_blocks":     {},
	"autoescape":        {},
	"uses-service-user": {},
}

// unsupportedEngineOptions returns the option keys the render path will
// ignore, sorted for stable log output.
func unsupportedEngineOptions(options map[string]interface{}) []string {
	var unknown []string
	for option := range options {
		if _, ok := supportedEngineOptions[option]; !ok {
			unknown = append(unknown, option)
		}
	}
	sort.Strings(unknown)
	return unknown
}

type templateEntry struct {
	resourceVersion string
	source          string
	options         map[string]interface{}
	owner           metav1.OwnerReference
}

// CRDLoader polls VCenterTemplate resources and serves their bodies to the
// pongo2 template set. The mapping is swapped atomically per poll, a changed
// resourceVersion invalidates the compiled template.
type CRDLoader struct {
	dyn dynamic.Interface
	ext apiextensionsclient.Interface
	set *pongo2.TemplateSet
	log logr.Logger

	crdCreated bool

	mu      sync.RWMutex
	mapping map[string]templateEntry
}

func newCRDLoader(dyn dynamic.Interface, ext apiextensionsclient.Interface) *CRDLoader {
	return &CRDLoader{
		dyn:     dyn,
		ext:     ext,
		log:     klog.Background().WithName("templates").WithValues("crd", templateGVR.Resource),
		mapping: map[string]templateEntry{},
	}
}

// Poll replaces the template mapping from the cluster's VCenterTemplate
// resources. Items missing required fields are skipped with a log line, the
// rest of the set still loads.
func (l *CRDLoader) Poll(ctx context.Context) error {
	l.ensureCRD(ctx)

	list, err := l.dyn.Resource(templateGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		return errors.Wrap(err, "listing VCenterTemplate resources")
	}

	l.mu.RLock()
	previous := make(map[string]string, len(l.mapping))
	for key, entry := range l.mapping {
		previous[key] = entry.resourceVersion
	}
	l.mu.RUnlock()

	mapping := map[string]templateEntry{}
	for i := range list.Items {
		item := &list.Items[i]
		key, entry, err := templateFromObject(item)
		if err != nil {
			l.log.Error(err, "skipping template", "namespace", item.GetNamespace(), "name", item.GetName())
			continue
		}
		if previous[key] != entry.resourceVersion {
			for _, option := range unsupportedEngineOptions(entry.options) {
				l.log.Info("ignoring unsupported engine option", "template", key, "option", option)
			}
		}
		mapping[key] = entry
	}

	l.mu.Lock()
	var stale []string
	for key, old := range l.mapping {
		if current, ok := mapping[key]; !ok || current.resourceVersion != old.resourceVersion {
			stale = append(stale, key)
		}
	}
	l.mapping = mapping
	l.mu.Unlock()

	if len(stale) > 0 && l.set != nil {
		l.set.CleanCache(stale...)
	}
	return nil
}

func templateFromObject(item *unstructured.Unstructured) (string, templateEntry, error) {
	source, found, err := unstructured.NestedString(item.Object, "template")
	if err != nil || !found {
		return "", templateEntry{}, errors.New("missing template body")
	}

	var scope string
	var renderOptions map[string]interface{}
	if options, found, _ := unstructured.NestedMap(item.Object, "options"); found {
		scope, _ = options["scope"].(string)
		renderOptions, _ = options["jinja2_options"].(map[string]interface{})
	} else {
		// first resource generation carried the options inline in metadata
		scope, _, _ = unstructured.NestedString(item.Object, "metadata", "scope")
		renderOptions, _, _ = unstructured.NestedMap(item.Object, "metadata", "jinja2_options")
	}
	if scope == "" {
		return "", templateEntry{}, errors.New("missing scope")
	}

	key := fmt.Sprintf("vcenter_%s/%s/%s.yaml.j2", scope, item.GetNamespace(), item.GetName())
	return key, templateEntry{
		resourceVersion: item.GetResourceVersion(),
		source:          source,
		options:         renderOptions,
		owner: metav1.OwnerReference{
			APIVersion:         item.GetAPIVersion(),
			Kind:               item.GetKind(),
			Name:               item.GetName(),
			UID:                item.GetUID(),
			BlockOwnerDeletion: pointer.Bool(false),
		},
	}, nil
}

// Abs implements pongo2.TemplateLoader. Template names are absolute paths
// into the mapping already.
func (l *CRDLoader) Abs(base, name string) string { return name }

// Get implements pongo2.TemplateLoader.
func (l *CRDLoader) Get(path string) (io.Reader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.mapping[path]
	if !ok {
		return nil, errors.Errorf("template %s not found", path)
	}
	return strings.NewReader(entry.source), nil
}

func (l *CRDLoader) list(prefix string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var names []string
	for key := range l.mapping {
		if strings.HasPrefix(key, prefix) {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

func (l *CRDLoader) options(name string) map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.mapping[name]
	if !ok {
		return nil
	}
	options := make(map[string]interface{}, len(entry.options))
	for k, v := range entry.options {
		options[k] = v
	}
	return options
}

func (l *CRDLoader) owner(name string) (metav1.OwnerReference, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.mapping[name]
	return entry.owner, ok
}

func (l *CRDLoader) ensureCRD(ctx context.Context) {
	if l.crdCreated || l.ext == nil {
		return
	}
	crd := customResourceDefinition("vcentertemplates", "vcentertemplate", "VCenterTemplate", []string{"vct"})
	_, err := l.ext.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, crd, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		l.log.Error(err, "could not create custom resource definition", "name", crd.Name)
		return
	}
	l.crdCreated = true
}

func customResourceDefinition(plural, singular, kind string, shortNames []string) *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name: plural + "." + APIGroup,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: APIGroup,
			Scope: apiextensionsv1.NamespaceScoped,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:     plural,
				Singular:   singular,
				Kind:       kind,
				ShortNames: shortNames,
			},
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    "v1",
				Served:  true,
				Storage: true,
				Schema: &apiextensionsv1.CustomResourceValidation{
					OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
						Type:                   "object",
						XPreserveUnknownFields: pointer.Bool(true),
					},
				},
			}},
		},
	}
}
