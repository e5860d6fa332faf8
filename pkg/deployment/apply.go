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
	"encoding/json"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"
	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"
)

// FieldManager identifies the operator in managed fields. The operator is
// the sole controller of its resources, conflicts are forced.
const FieldManager = "vcenter-operator"

// Applier pushes a State into the cluster with server-side apply.
type Applier struct {
	client    dynamic.Interface
	mapper    meta.RESTMapper
	namespace string
	log       logr.Logger
}

func NewApplier(dyn dynamic.Interface, disc discovery.DiscoveryInterface, namespace string) *Applier {
	return &Applier{
		client:    dyn,
		mapper:    restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disc)),
		namespace: namespace,
		log:       klog.Background().WithName("deployment"),
	}
}

// Apply pushes all items in kind-priority order, runs a single retry pass
// for anything the server rejected as unprocessable and processes deletes
// last. A delete of an already absent resource is benign.
func (a *Applier) Apply(ctx context.Context, state *State) error {
	type retryItem struct {
		id   ItemID
		item *unstructured.Unstructured
	}
	var retry []retryItem

	for _, id := range state.sortedIDs() {
		err := a.applyItem(ctx, id, state.items[id], state.dryRun)
		if err == nil {
			continue
		}
		if apierrors.IsInvalid(err) {
			retry = append(retry, retryItem{id, state.items[id]})
			continue
		}
		return errors.Wrapf(err, "applying %s", id)
	}

	for _, r := range retry {
		err := a.applyItem(ctx, r.id, r.item, state.dryRun)
		if err != nil && apierrors.IsInvalid(err) {
			// the server cannot patch it into shape, replace it instead
			a.log.Info("replacing", "id", r.id.String())
			err = a.replaceItem(ctx, r.id, r.item, state.dryRun)
		}
		if err != nil {
			a.log.Error(err, "could not apply change", "id", r.id.String())
		}
	}

	for id, action := range state.actions {
		if action != actionDelete {
			continue
		}
		if err := a.deleteItem(ctx, id, state.dryRun); err != nil {
			return errors.Wrapf(err, "deleting %s", id)
		}
	}
	return nil
}

func (a *Applier) resource(id ItemID) (dynamic.ResourceInterface, error) {
	gv, err := schema.ParseGroupVersion(id.APIVersion)
	if err != nil {
		return nil, err
	}
	mapping, err := a.mapper.RESTMapping(schema.GroupKind{Group: gv.Group, Kind: id.Kind}, gv.Version)
	if err != nil {
		return nil, err
	}

	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		return a.client.Resource(mapping.Resource), nil
	}
	namespace := id.Namespace
	if namespace == "" {
		namespace = a.namespace
	}
	return a.client.Resource(mapping.Resource).Namespace(namespace), nil
}

func (a *Applier) applyItem(ctx context.Context, id ItemID, item *unstructured.Unstructured, dryRun bool) error {
	ri, err := a.resource(id)
	if err != nil {
		return err
	}

	a.log.V(2).Info("applying", "id", id.String())
	data, err := json.Marshal(item.Object)
	if err != nil {
		return err
	}
	options := metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        pointer.Bool(true),
	}
	if dryRun {
		options.DryRun = []string{metav1.DryRunAll}
	}
	_, err = ri.Patch(ctx, id.Name, types.ApplyPatchType, data, options)
	return err
}

func (a *Applier) replaceItem(ctx context.Context, id ItemID, item *unstructured.Unstructured, dryRun bool) error {
	ri, err := a.resource(id)
	if err != nil {
		return err
	}

	options := metav1.UpdateOptions{FieldManager: FieldManager}
	if dryRun {
		options.DryRun = []string{metav1.DryRunAll}
	}
	existing, err := ri.Get(ctx, id.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = ri.Create(ctx, item, metav1.CreateOptions{
			FieldManager: FieldManager,
			DryRun:       options.DryRun,
		})
		return err
	}
	if err != nil {
		return err
	}
	replacement := item.DeepCopy()
	replacement.SetResourceVersion(existing.GetResourceVersion())
	_, err = ri.Update(ctx, replacement, options)
	return err
}

func (a *Applier) deleteItem(ctx context.Context, id ItemID, dryRun bool) error {
	ri, err := a.resource(id)
	if err != nil {
		return err
	}

	a.log.V(2).Info("deleting", "id", id.String())
	options := metav1.DeleteOptions{}
	if dryRun {
		options.DryRun = []string{metav1.DryRunAll}
	}
	err = ri.Delete(ctx, id.Name, options)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
