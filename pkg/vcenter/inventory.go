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

package vcenter

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// HagroupRegex is handed to the rendered configuration so consumers can
// split the ephemeral datastores into their ha groups.
const HagroupRegex = `.*_hg(?P<hagroup>[ab])$`

var (
	clusterMatch = regexp.MustCompile(`^productionbb0*([1-9][0-9]*)$`)
	ephMatch     = regexp.MustCompile(`^eph.*$`)
	hagroupMatch = regexp.MustCompile(`(?i).*_hg(?P<hagroup>[ab])$`)
	brMatch      = regexp.MustCompile(`^br-(.*)$`)
)

// Cluster is the per-compute-cluster slice of the inventory the templates
// get rendered against.
type Cluster struct {
	Name             string
	BuildingBlock    string
	AvailabilityZone string

	// EphDatastoreRegex matches the cluster's ephemeral datastores by
	// their common prefix. HagroupsBalanced is set when both an a and a b
	// ha group exist among them.
	EphDatastoreRegex string
	HagroupsBalanced  bool

	Bridge   string
	Physical string
}

// Inventory is the production content of one vCenter.
type Inventory struct {
	Clusters          []Cluster
	AvailabilityZones []string
}

// Poll walks the vCenter's cluster inventory. Clusters not matching the
// production naming scheme are ignored. The availability zone of a cluster
// is the name of its grandparent in the folder tree, lowercased.
func Poll(ctx context.Context, c *vim25.Client) (*Inventory, error) {
	m := view.NewManager(c)
	root := c.ServiceContent.RootFolder

	var clusters []mo.ClusterComputeResource
	if err := retrieve(ctx, m, root, "ClusterComputeResource",
		[]string{"name", "parent", "datastore", "network"}, &clusters); err != nil {
		return nil, errors.Wrap(err, "retrieving clusters")
	}

	var folders []mo.Folder
	if err := retrieve(ctx, m, root, "Folder", []string{"name", "parent"}, &folders); err != nil {
		return nil, errors.Wrap(err, "retrieving folders")
	}
	folderByRef := map[types.ManagedObjectReference]*mo.Folder{}
	for i := range folders {
		folderByRef[folders[i].Self] = &folders[i]
	}

	var datacenters []mo.Datacenter
	if err := retrieve(ctx, m, root, "Datacenter", []string{"name"}, &datacenters); err != nil {
		return nil, errors.Wrap(err, "retrieving datacenters")
	}
	nameByRef := map[types.ManagedObjectReference]string{}
	for i := range datacenters {
		nameByRef[datacenters[i].Self] = datacenters[i].Name
	}
	for ref, folder := range folderByRef {
		nameByRef[ref] = folder.Name
	}

	var datastores []mo.Datastore
	if err := retrieve(ctx, m, root, "Datastore", []string{"name"}, &datastores); err != nil {
		return nil, errors.Wrap(err, "retrieving datastores")
	}
	datastoreNames := map[types.ManagedObjectReference]string{}
	for i := range datastores {
		datastoreNames[datastores[i].Self] = datastores[i].Name
	}

	var networks []mo.Network
	if err := retrieve(ctx, m, root, "Network", []string{"name"}, &networks); err != nil {
		return nil, errors.Wrap(err, "retrieving networks")
	}
	networkNames := map[types.ManagedObjectReference]string{}
	for i := range networks {
		networkNames[networks[i].Self] = networks[i].Name
	}

	inventory := &Inventory{}
	zones := map[string]struct{}{}
	for i := range clusters {
		cluster := &clusters[i]
		match := clusterMatch.FindStringSubmatch(cluster.Name)
		if match == nil {
			continue
		}

		zone := availabilityZone(cluster, folderByRef, nameByRef)
		if zone == "" {
			continue
		}
		zones[zone] = struct{}{}

		info := Cluster{
			Name:             cluster.Name,
			BuildingBlock:    "bb" + match[1],
			AvailabilityZone: zone,
		}

		var ephNames []string
		hagroups := map[string]struct{}{}
		for _, ref := range cluster.Datastore {
			name, ok := datastoreNames[ref]
			if !ok || !ephMatch.MatchString(name) {
				continue
			}
			ephNames = append(ephNames, name)
			if m := hagroupMatch.FindStringSubmatch(name); m != nil {
				hagroups[strings.ToLower(m[1])] = struct{}{}
			}
		}
		info.EphDatastoreRegex = fmt.Sprintf("^%s.*", commonPrefix(ephNames))
		_, a := hagroups["a"]
		_, b := hagroups["b"]
		info.HagroupsBalanced = a && b

		for _, ref := range cluster.Network {
			// a portgroup can be gone by the time its name resolves
			name, ok := networkNames[ref]
			if !ok {
				continue
			}
			if m := brMatch.FindStringSubmatch(name); m != nil {
				info.Bridge = strings.ToLower(m[0])
				info.Physical = strings.ToLower(m[1])
				break
			}
		}

		inventory.Clusters = append(inventory.Clusters, info)
	}

	for zone := range zones {
		inventory.AvailabilityZones = append(inventory.AvailabilityZones, zone)
	}
	sort.Strings(inventory.AvailabilityZones)
	sort.Slice(inventory.Clusters, func(i, j int) bool {
		return inventory.Clusters[i].Name < inventory.Clusters[j].Name
	})
	return inventory, nil
}

func retrieve(ctx context.Context, m *view.Manager, root types.ManagedObjectReference, kind string, props []string, dst interface{}) error {
	v, err := m.CreateContainerView(ctx, root, []string{kind}, true)
	if err != nil {
		return err
	}
	defer func() { _ = v.Destroy(ctx) }()
	return v.Retrieve(ctx, []string{kind}, props, dst)
}

func availabilityZone(cluster *mo.ClusterComputeResource, folders map[types.ManagedObjectReference]*mo.Folder, names map[types.ManagedObjectReference]string) string {
	if cluster.Parent == nil {
		return ""
	}
	folder, ok := folders[*cluster.Parent]
	if !ok || folder.Parent == nil {
		return ""
	}
	return strings.ToLower(names[*folder.Parent])
}

func commonPrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	prefix := names[0]
	for _, name := range names[1:] {
		for !strings.HasPrefix(name, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
