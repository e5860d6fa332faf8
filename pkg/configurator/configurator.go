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

// Package configurator drives the operator's reconciliation loop. Each tick
// refreshes the global configuration, the nova cell set and the template
// environment, then walks every discovered vCenter: poll its cluster
// inventory, reconcile the service users across the credential store, the
// vCenter SSO and the NSX-T managers, render the templates and apply the
// difference to the previously applied state.
package configurator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/vim25"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	k8sdiscovery "k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sapcc/vcenter-operator/pkg/deployment"
	"github.com/sapcc/vcenter-operator/pkg/mpw"
	"github.com/sapcc/vcenter-operator/pkg/templates"
	"github.com/sapcc/vcenter-operator/pkg/vault"
	"github.com/sapcc/vcenter-operator/pkg/vcenter"
)

const defaultServiceUserInterval = 24 * time.Hour

// sessionProvider hands out live vCenter sessions with backoff on failures.
type sessionProvider interface {
	Session(ctx context.Context, host, username, password string) (*govmomi.Client, error)
	DisconnectAll(ctx context.Context)
}

// stateApplier pushes a deployment state into the cluster.
type stateApplier interface {
	Apply(ctx context.Context, state *deployment.State) error
}

// Configurator is the root reconciler. It is driven by the discovery
// callback for the set of vCenters and by a periodic Poll.
type Configurator struct {
	domain    string
	namespace string
	region    string
	dryRun    bool

	client  kubernetes.Interface
	env     *templates.Environment
	applier stateApplier

	connector sessionProvider
	sso       ssoManager
	vault     credentialStore

	newNSXTClient func(user, password, buildingBlock, region string, dryRun bool) (nsxtManager, error)
	nsxtClients   map[string]nsxtManager

	pollInventory func(ctx context.Context, vc *vim25.Client) (*vcenter.Inventory, error)

	mu     sync.Mutex
	hosts  map[string]struct{}
	states map[string]*deployment.State

	globalOptions  map[string]interface{}
	cells          []string
	masterPassword string
	mpw            *mpw.MasterPassword

	manageServiceUsers bool
	adTTUUsername      string
	adTTUPassword      string

	serviceUsers         map[string][]string
	lastServiceUserCheck map[string]time.Time
	tracker              *Tracker

	maxTimeNotSeen     time.Duration
	vaultCheckInterval time.Duration

	now func() time.Time
	log logr.Logger
}

// New wires the configurator against the cluster. The global options are
// seeded by the bootstrap configuration, most prominently own_namespace,
// region and domain, and get extended by the operator secret on every tick.
func New(domain string, globalOptions map[string]interface{}, dryRun bool,
	kube kubernetes.Interface, dyn dynamic.Interface,
	ext apiextensionsclient.Interface, disc k8sdiscovery.DiscoveryInterface) *Configurator {
	options := map[string]interface{}{}
	for k, v := range globalOptions {
		options[k] = v
	}
	options["domain"] = domain
	namespace := stringOption(options, "own_namespace")

	c := &Configurator{
		domain:    domain,
		namespace: namespace,
		region:    stringOption(options, "region"),
		dryRun:    dryRun,

		client:  kube,
		env:     templates.NewEnvironment(dyn, ext),
		applier: deployment.NewApplier(dyn, disc, namespace),

		connector: vcenter.NewConnector(),
		sso:       vcenter.NewSSO(dryRun),
		vault:     vault.NewClient(dryRun),

		newNSXTClient: connectNSXT,
		nsxtClients:   map[string]nsxtManager{},

		pollInventory: vcenter.Poll,

		hosts:  map[string]struct{}{},
		states: map[string]*deployment.State{},

		globalOptions: options,

		serviceUsers:         map[string][]string{},
		lastServiceUserCheck: map[string]time.Time{},
		tracker:              NewTracker(),

		maxTimeNotSeen:     defaultServiceUserInterval,
		vaultCheckInterval: defaultServiceUserInterval,

		now: time.Now,
		log: klog.Background().WithName("configurator"),
	}
	return c
}

// HostsChanged is the discovery callback. Added names are short host names
// within the operator's domain. Gone vCenters stay managed, a DNS hiccup
// must not tear down a deployment.
func (c *Configurator) HostsChanged(added, gone []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range added {
		host := name + "." + c.domain
		if _, ok := c.hosts[host]; !ok {
			c.log.Info("managing vcenter", "host", host)
			c.hosts[host] = struct{}{}
		}
	}
	if len(gone) > 0 {
		c.log.Info("vcenters disappeared from dns", "hosts", gone)
	}
}

// Bootstrap runs the first configuration poll so dependent components can
// read their settings before the loop starts.
func (c *Configurator) Bootstrap(ctx context.Context) error {
	return c.pollConfig(ctx)
}

// Option returns a global option in its string form, or "" when unset.
func (c *Configurator) Option(key string) string {
	switch value := c.globalOptions[key].(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

// Poll runs one reconciliation tick. Errors of a single host are isolated,
// only a broken configuration or a missing service user declaration abort
// the tick.
func (c *Configurator) Poll(ctx context.Context) error {
	if err := c.pollConfig(ctx); err != nil {
		return errors.Wrap(err, "polling configuration")
	}
	if err := c.pollNovaCells(ctx); err != nil {
		c.log.Error(err, "polling cells failed, discontinuing current configuration run")
		return nil
	}
	// a partially loaded template set must never be rendered, it would
	// delete resources of templates that failed to load
	if err := c.env.PollLoaders(ctx); err != nil {
		c.log.Error(err, "polling templates failed, discontinuing current configuration run")
		return nil
	}
	if c.manageServiceUsers {
		if err := c.env.ServiceUsers.Poll(ctx); err != nil {
			c.log.Error(err, "polling service user declarations failed, discontinuing current configuration run")
			return nil
		}
	}

	for _, host := range c.sortedHosts() {
		if err := c.pollHost(ctx, host); err != nil {
			if errors.Is(err, deployment.ErrServiceUserNotFound) {
				return err
			}
			c.logHostError(host, err)
		}
	}
	return nil
}

func (c *Configurator) logHostError(host string, err error) {
	switch {
	case errors.Is(err, vcenter.ErrConnectionFailed):
		c.log.Error(nil, "reconnecting failed, ignoring vcenter for this run", "host", host)
	case errors.Is(err, vcenter.ErrConnectSkipped):
		c.log.Info("ignoring disconnected vcenter for this run", "host", host)
	case errors.Is(err, vault.ErrUnavailable):
		c.log.Info("ignoring host for this run, vault is unavailable", "host", host)
	case errors.Is(err, vault.ErrNotReplicated):
		c.log.Info("ignoring host for this run, vault is not replicated", "host", host)
	case errors.Is(err, vcenter.ErrSSOSkipped):
		c.log.Info("ignoring host for this run, sso is unavailable", "host", host)
	case errors.Is(err, deployment.ErrServiceUserPathNotFound):
		c.log.Info("ignoring host for this run, service user path missing in state", "host", host, "error", err.Error())
	default:
		c.log.Error(err, "host reconciliation failed", "host", host)
	}
}

func (c *Configurator) pollHost(ctx context.Context, host string) error {
	username, password, err := c.hostCredentials(host)
	if err != nil {
		return err
	}
	session, err := c.connector.Session(ctx, host, username, password)
	if err != nil {
		return err
	}
	var vc *vim25.Client
	if session != nil {
		vc = session.Client
	}

	inventory, err := c.pollInventory(ctx, vc)
	if err != nil {
		return errors.Wrapf(vcenter.ErrConnectionFailed, "polling inventory of %s: %v", host, err)
	}

	c.observePods(ctx)
	if err := c.reconcileServiceUsers(ctx, host, vc, inventory); err != nil {
		return err
	}

	state := deployment.NewState(c.namespace, c.dryRun)
	hostOptions := c.hostOptions(host, username, password)
	for _, cluster := range inventory.Clusters {
		options := c.clusterOptions(hostOptions, host, cluster)
		if err := state.Render(c.env, "vcenter_cluster", options, c.serviceUsers, c.tracker); err != nil {
			return err
		}
	}
	for _, zone := range inventory.AvailabilityZones {
		options := c.datacenterOptions(hostOptions, host, zone)
		if err := state.Render(c.env, "vcenter_datacenter", options, c.serviceUsers, c.tracker); err != nil {
			return err
		}
	}

	last := c.states[host]
	if last != nil {
		err = c.applier.Apply(ctx, last.Delta(state))
	} else {
		err = c.applier.Apply(ctx, state)
	}
	if err != nil {
		return err
	}
	c.states[host] = state
	return nil
}

func (c *Configurator) hostCredentials(host string) (username, password string, err error) {
	if c.manageServiceUsers {
		return c.adTTUUsername, c.adTTUPassword, nil
	}
	username = c.username()
	if c.mpw == nil {
		return "", "", errors.New("master password not initialized")
	}
	password, err = c.mpw.Derive("long", host)
	return username, password, err
}

func (c *Configurator) username() string {
	return stringOption(c.globalOptions, "username")
}

func (c *Configurator) hostOptions(host, username, password string) map[string]interface{} {
	options := map[string]interface{}{}
	for k, v := range c.globalOptions {
		options[k] = v
	}
	options["username"] = username
	options["password"] = password
	options["host"] = host
	options["name"] = shortName(host)
	return options
}

func (c *Configurator) clusterOptions(hostOptions map[string]interface{}, host string, cluster vcenter.Cluster) map[string]interface{} {
	options := map[string]interface{}{}
	for k, v := range hostOptions {
		options[k] = v
	}
	options["name"] = cluster.BuildingBlock
	options["cluster_name"] = cluster.Name
	options["availability_zone"] = cluster.AvailabilityZone
	options["nsx_t_enabled"] = true
	options["vcenter_name"] = shortName(host)

	if stringOption(options, "pbm_enabled") != "true" {
		options["datastore_regex"] = cluster.EphDatastoreRegex
		if cluster.HagroupsBalanced {
			options["datastore_hagroup_regex"] = vcenter.HagroupRegex
		}
	}
	if cluster.Bridge != "" {
		options["bridge"] = cluster.Bridge
		options["physical"] = cluster.Physical
	}
	return options
}

func (c *Configurator) datacenterOptions(hostOptions map[string]interface{}, host, availabilityZone string) map[string]interface{} {
	options := map[string]interface{}{}
	for k, v := range hostOptions {
		options[k] = v
	}
	options["availability_zone"] = availabilityZone
	// the secret rotation needs the vcenter name also in datacenter scope
	options["vcenter_name"] = shortName(host)
	return options
}

func (c *Configurator) sortedHosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]string, 0, len(c.hosts))
	for host := range c.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Stop disconnects from all vCenters, best effort.
func (c *Configurator) Stop(ctx context.Context) {
	c.connector.DisconnectAll(ctx)
}

func shortName(host string) string {
	name, _, _ := strings.Cut(host, ".")
	return name
}

func stringOption(options map[string]interface{}, key string) string {
	value, _ := options[key].(string)
	return value
}
