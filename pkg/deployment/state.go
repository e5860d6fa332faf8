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

// Package deployment renders the templates for one vCenter into a desired
// resource set, diffs it against the previous tick and applies the result
// with server-side apply.
package deployment

import (
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/klog/v2"
)

const (
	actionDelete = "delete"
	actionUpdate = "update"
)

// ItemID identifies one rendered resource.
type ItemID struct {
	APIVersion string
	Kind       string
	Name       string
	Namespace  string
}

func (id ItemID) String() string {
	return id.APIVersion + "/" + id.Kind + "/" + id.Namespace + "/" + id.Name
}

// State is the desired resource set of one vCenter for one tick. Items keep
// their insertion order; apply reorders them by kind priority only.
type State struct {
	namespace string
	dryRun    bool

	order   []ItemID
	items   map[ItemID]*unstructured.Unstructured
	actions map[ItemID]string
	log     logr.Logger
}

func NewState(namespace string, dryRun bool) *State {
	return &State{
		namespace: namespace,
		dryRun:    dryRun,
		items:     map[ItemID]*unstructured.Unstructured{},
		actions:   map[ItemID]string{},
		log:       klog.Background().WithName("deployment"),
	}
}

// Add parses a rendered YAML stream, stamps each document with the owner
// reference and inserts it. A duplicate id warns and the later document
// wins.
func (s *State) Add(rendered string, owner *metav1.OwnerReference) error {
	decoder := utilyaml.NewYAMLOrJSONDecoder(strings.NewReader(rendered), 4096)
	for {
		var doc map[string]interface{}
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "decoding rendered document")
		}
		if doc == nil {
			continue
		}

		item := &unstructured.Unstructured{Object: doc}
		if owner != nil {
			item.SetOwnerReferences([]metav1.OwnerReference{*owner})
		}
		id := ItemID{
			APIVersion: item.GetAPIVersion(),
			Kind:       item.GetKind(),
			Name:       item.GetName(),
			Namespace:  item.GetNamespace(),
		}
		if _, ok := s.items[id]; ok {
			s.log.Info("duplicate item", "id", id.String())
		} else {
			s.order = append(s.order, id)
		}
		s.items[id] = item
	}
}

// Delta computes the change set from s to next. Deletes become actions,
// creates and updates carry their item so the delta can be applied on its
// own.
func (s *State) Delta(next *State) *State {
	delta := NewState(s.namespace, s.dryRun)

	for id := range s.items {
		if _, ok := next.items[id]; !ok {
			delta.actions[id] = actionDelete
		}
	}

	for _, id := range next.order {
		item := next.items[id]
		if previous, ok := s.items[id]; ok {
			if reflect.DeepEqual(previous.Object, item.Object) {
				continue
			}
			delta.actions[id] = actionUpdate
		}
		delta.order = append(delta.order, id)
		delta.items[id] = item
	}
	return delta
}

// kindPriority orders the apply: secrets and config before the workloads
// that mount them, so restarting pods read fresh configuration.
func kindPriority(kind string) int {
	switch kind {
	case "Secret":
		return 0
	case "ConfigMap":
		return 1
	case "Deployment":
		return 2
	default:
		return 3
	}
}

// sortedIDs returns the item ids in apply order: by kind priority, insertion
// order within the same priority.
func (s *State) sortedIDs() []ItemID {
	ids := make([]ItemID, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return kindPriority(ids[i].Kind) < kindPriority(ids[j].Kind)
	})
	return ids
}
