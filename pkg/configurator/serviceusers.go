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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/vim25"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sapcc/vcenter-operator/pkg/nsxt"
	"github.com/sapcc/vcenter-operator/pkg/vault"
	"github.com/sapcc/vcenter-operator/pkg/vcenter"
)

// nsxtAdminRole is the builtin role granted to the operator's service users
// on the NSX-T managers.
const nsxtAdminRole = "enterprise_admin"

// serviceUserVersionLabel marks workloads consuming a service-user secret.
// The pod observation feeds the version's last-seen timestamp off it.
const serviceUserVersionLabel = "vcenter-operator-secret-version"

// credentialStore is the slice of the vault client the reconciler uses.
type credentialStore interface {
	Login(ctx context.Context) error
	GetSecret(ctx context.Context, path string) (*vault.Credentials, error)
	GetMetadata(ctx context.Context, path string, read bool) (*vault.Metadata, error)
	CreateServiceUser(ctx context.Context, usernameTemplate, path, service, lastVersion string) (version, username, password string, err error)
	CheckAndUpdateUsernameIfNecessary(ctx context.Context, path, service, usernameTemplate string) (string, error)
	TriggerReplicate(ctx context.Context, path string) error
	SetURL(url string)
	SetMountPointRead(mount string)
	SetMountPointWrite(mount string)
	SetAppRole(roleID, secretID string)
	SetPasswordConstraints(p vault.PasswordConstraints)
}

// ssoManager is the slice of the vCenter SSO client the reconciler uses.
type ssoManager interface {
	SetCredentials(username, password string)
	ListServiceUsers(ctx context.Context, host string, vc *vim25.Client, search string) ([]string, error)
	CheckUserInAdministrators(ctx context.Context, host string, vc *vim25.Client, username string) (bool, error)
	CreateServiceUser(ctx context.Context, host string, vc *vim25.Client, username, password, service string) error
	AddUserToAdministrators(ctx context.Context, host string, vc *vim25.Client, username string) error
	DeleteServiceUser(ctx context.Context, host string, vc *vim25.Client, username string) error
}

// nsxtManager is the slice of the NSX-T client the reconciler uses.
type nsxtManager interface {
	BuildingBlock() string
	ListUsers(ctx context.Context, prefix string) ([]string, error)
	CheckUserInGroup(ctx context.Context, username, role string) (bool, error)
	CreateServiceUser(ctx context.Context, username, password string) error
	AddUserToGroup(ctx context.Context, username, role string) error
	DeleteServiceUser(ctx context.Context, username string) error
}

func connectNSXT(user, password, buildingBlock, region string, dryRun bool) (nsxtManager, error) {
	return nsxt.NewClient(user, password, buildingBlock, region, dryRun)
}

// reconcileServiceUsers keeps the service users of one vCenter consistent
// across the credential store, the vCenter SSO domain and the NSX-T managers
// of the vCenter's building blocks. The credential store check is throttled
// per path, between checks the last known version is reused.
func (c *Configurator) reconcileServiceUsers(ctx context.Context, host string, vc *vim25.Client, inventory *vcenter.Inventory) error {
	if !c.manageServiceUsers {
		return nil
	}

	declarations := c.env.ServiceUsers.Mapping()
	services := make([]string, 0, len(declarations))
	for service := range declarations {
		services = append(services, service)
	}
	sort.Strings(services)

	vcenterName := shortName(host)
	for _, service := range services {
		template := declarations[service].UsernameTemplate
		path := fmt.Sprintf("%s/vcenter-operator/%s/%s", c.region, service, vcenterName)

		var latest string
		versions := c.serviceUsers[path]
		if c.now().After(c.lastServiceUserCheck[path].Add(c.vaultCheckInterval)) || len(versions) == 0 {
			var err error
			latest, err = c.checkServiceUserVault(ctx, path, template, service)
			if err != nil {
				return err
			}
			c.lastServiceUserCheck[path] = c.now()
		} else {
			latest = versions[len(versions)-1]
		}

		if err := c.checkServiceUserVCenter(ctx, host, vc, template, service, path, latest); err != nil {
			return err
		}
		c.checkServiceUserNSXT(ctx, inventory, template, service, path, latest)
	}
	return nil
}

// checkServiceUserVault establishes the ground truth for a service user in
// the credential store: create it when absent, make sure the read mount is
// caught up, rotate ahead of expiry and track the latest version.
func (c *Configurator) checkServiceUserVault(ctx context.Context, path, template, service string) (string, error) {
	metaWrite, err := c.vault.GetMetadata(ctx, path, false)
	if err != nil {
		return "", err
	}
	if metaWrite == nil {
		c.log.Info("creating service-user in vault", "path", path)
		version, _, _, err := c.vault.CreateServiceUser(ctx, template, path, service, "")
		if err != nil {
			return "", err
		}
		c.serviceUsers[path] = []string{version}
		return version, nil
	}

	metaRead, err := c.vault.GetMetadata(ctx, path, true)
	if err != nil {
		return "", err
	}
	if metaRead == nil {
		c.log.Info("service-user in vault is not replicated, triggering replication", "path", path)
		if err := c.vault.TriggerReplicate(ctx, path); err != nil {
			return "", err
		}
		return "", errors.Wrapf(vault.ErrNotReplicated, "%s", path)
	}

	latestRead := metaRead.LatestVersion()
	if latestWrite := metaWrite.LatestVersion(); latestWrite > latestRead {
		c.log.Info("service-user in vault is not up to date, triggering replication", "path", path)
		if err := c.vault.TriggerReplicate(ctx, path); err != nil {
			return "", err
		}
		return "", errors.Wrapf(vault.ErrNotReplicated, "%s", path)
	}

	latest := strconv.Itoa(latestRead)
	expiry, err := time.Parse("2006-01-02", metaRead.CustomMetadata["expiry_date"])
	if err != nil {
		return "", errors.Wrapf(err, "parsing expiry date of %s", path)
	}

	if expiry.Before(c.now().AddDate(0, 0, 90)) {
		c.log.Info("service-user in vault is about to expire, rotating", "path", path)
		version, _, _, err := c.vault.CreateServiceUser(ctx, template, path, service, latest)
		if err != nil {
			return "", err
		}
		c.serviceUsers[path] = append(c.serviceUsers[path], version)
		return version, nil
	}

	versions, tracked := c.serviceUsers[path]
	if !tracked {
		// could have been rotated while the operator was not running
		c.log.Info("generating ground truth for service-user", "path", path)
		version, err := c.vault.CheckAndUpdateUsernameIfNecessary(ctx, path, service, template)
		if err != nil {
			return "", err
		}
		c.serviceUsers[path] = []string{version}
		return version, nil
	}

	if latest != versions[len(versions)-1] {
		c.log.Info("new service-user version in vault", "path", path, "version", latest)
		version, err := c.vault.CheckAndUpdateUsernameIfNecessary(ctx, path, service, template)
		if err != nil {
			return "", err
		}
		c.serviceUsers[path] = append(versions, version)
		return version, nil
	}
	return latest, nil
}

// checkServiceUserVCenter mirrors the latest credential store version into
// the vCenter's SSO domain and removes versions no workload has used for
// longer than maxTimeNotSeen.
func (c *Configurator) checkServiceUserVCenter(ctx context.Context, host string, vc *vim25.Client, template, service, path, latest string) error {
	current := paddedUsername(template, latest)
	vcenterName := shortName(host)

	users, err := c.sso.ListServiceUsers(ctx, host, vc, template)
	if err != nil {
		return err
	}

	if !containsString(users, current) {
		c.log.Info("creating service-user in vcenter", "host", host, "username", current)
		secret, err := c.vault.GetSecret(ctx, path)
		if err != nil {
			return err
		}
		if secret == nil || secret.Username != current {
			c.log.Info("username in vault does not match the current username", "path", path)
			if err := c.vault.TriggerReplicate(ctx, path); err != nil {
				return err
			}
			return errors.Wrapf(vault.ErrNotReplicated, "%s", path)
		}
		if err := c.sso.CreateServiceUser(ctx, host, vc, secret.Username, secret.Password, service); err != nil {
			return err
		}
		if err := c.sso.AddUserToAdministrators(ctx, host, vc, secret.Username); err != nil {
			return err
		}
		c.tracker.Stamp(service, vcenterName, latest)
	}

	inGroup, err := c.sso.CheckUserInAdministrators(ctx, host, vc, current)
	if err != nil {
		return err
	}
	if !inGroup {
		c.log.Info("adding service-user to administrators group", "host", host, "username", current)
		if err := c.sso.AddUserToAdministrators(ctx, host, vc, current); err != nil {
			return err
		}
	}

	for _, user := range users {
		if !strings.HasPrefix(user, template) {
			continue
		}
		version, ok := versionOf(user)
		if !ok {
			continue
		}
		if c.tracker.SeedIfMissing(service, vcenterName, version) {
			continue
		}
		if user == current {
			continue
		}
		if len(users) <= 1 {
			return nil
		}
		lastSeen, _ := c.tracker.LastSeen(service, vcenterName, version)
		if lastSeen.Add(c.maxTimeNotSeen).Before(c.now()) {
			c.log.Info("deleting service-user not seen in use", "host", host, "username", user,
				"notSeenFor", c.now().Sub(lastSeen).String())
			if err := c.sso.DeleteServiceUser(ctx, host, vc, user); err != nil {
				return err
			}
			c.tracker.Delete(service, vcenterName, version)
		}
	}
	return nil
}

// checkServiceUserNSXT runs the NSX-T leg of the reconciliation for every
// building block in the inventory. Manager failures are logged but do not
// abort the host, the vCenter deployment does not depend on them.
func (c *Configurator) checkServiceUserNSXT(ctx context.Context, inventory *vcenter.Inventory, template, service, path, latest string) {
	if inventory == nil {
		return
	}
	done := map[string]struct{}{}
	for _, cluster := range inventory.Clusters {
		if cluster.BuildingBlock == "" {
			continue
		}
		if _, ok := done[cluster.BuildingBlock]; ok {
			continue
		}
		done[cluster.BuildingBlock] = struct{}{}
		if err := c.reconcileNSXTUsers(ctx, cluster.BuildingBlock, template, service, path, latest); err != nil {
			c.log.Error(err, "nsx-t service-user reconciliation failed",
				"buildingBlock", cluster.BuildingBlock, "service", service)
		}
	}
}

// reconcileNSXTUsers applies the rotate-add-delete pattern to the building
// block's NSX-T manager. The manager only has room for MaxActiveUsers local
// users, so stale users are removed before a new version is created and, if
// the budget is still exhausted, the oldest non-current user gives way.
func (c *Configurator) reconcileNSXTUsers(ctx context.Context, buildingBlock, template, service, path, latest string) error {
	manager, err := c.nsxtManagerFor(buildingBlock)
	if err != nil {
		return err
	}
	target := manager.BuildingBlock()
	current := paddedUsername(template, latest)

	users, err := manager.ListUsers(ctx, template)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(users))
	remaining = append(remaining, users...)
	for _, user := range users {
		version, ok := versionOf(user)
		if !ok {
			continue
		}
		if c.tracker.SeedIfMissing(service, target, version) {
			continue
		}
		if user == current {
			continue
		}
		if len(remaining) <= 1 {
			break
		}
		lastSeen, _ := c.tracker.LastSeen(service, target, version)
		if lastSeen.Add(c.maxTimeNotSeen).Before(c.now()) {
			c.log.Info("deleting nsx-t service-user not seen in use", "buildingBlock", target, "username", user)
			if err := manager.DeleteServiceUser(ctx, user); err != nil {
				return err
			}
			c.tracker.Delete(service, target, version)
			remaining = removeString(remaining, user)
		}
	}

	if containsString(remaining, current) {
		inGroup, err := manager.CheckUserInGroup(ctx, current, nsxtAdminRole)
		if err != nil {
			return err
		}
		if !inGroup {
			return manager.AddUserToGroup(ctx, current, nsxtAdminRole)
		}
		return nil
	}

	if len(remaining) >= nsxt.MaxActiveUsers {
		oldest, ok := c.oldestNonCurrent(service, target, remaining, current)
		if !ok {
			return errors.Errorf("no room for %s on %s, all %d users are current", current, target, len(remaining))
		}
		c.log.Info("evicting nsx-t service-user to free a slot", "buildingBlock", target, "username", oldest)
		if err := manager.DeleteServiceUser(ctx, oldest); err != nil {
			return err
		}
		if version, ok := versionOf(oldest); ok {
			c.tracker.Delete(service, target, version)
		}
	}

	secret, err := c.vault.GetSecret(ctx, path)
	if err != nil {
		return err
	}
	if secret == nil || secret.Username != current {
		if err := c.vault.TriggerReplicate(ctx, path); err != nil {
			return err
		}
		return errors.Wrapf(vault.ErrNotReplicated, "%s", path)
	}

	c.log.Info("creating nsx-t service-user", "buildingBlock", target, "username", current)
	if err := manager.CreateServiceUser(ctx, current, secret.Password); err != nil {
		return err
	}
	if err := manager.AddUserToGroup(ctx, current, nsxtAdminRole); err != nil {
		return err
	}
	c.tracker.Stamp(service, target, latest)
	return nil
}

func (c *Configurator) oldestNonCurrent(service, target string, users []string, current string) (string, bool) {
	oldest := ""
	var oldestSeen time.Time
	for _, user := range users {
		if user == current {
			continue
		}
		version, ok := versionOf(user)
		if !ok {
			continue
		}
		lastSeen, _ := c.tracker.LastSeen(service, target, version)
		if oldest == "" || lastSeen.Before(oldestSeen) {
			oldest = user
			oldestSeen = lastSeen
		}
	}
	return oldest, oldest != ""
}

func (c *Configurator) nsxtManagerFor(buildingBlock string) (nsxtManager, error) {
	if manager, ok := c.nsxtClients[buildingBlock]; ok {
		return manager, nil
	}
	manager, err := c.newNSXTClient(c.adTTUUsername, c.adTTUPassword, buildingBlock, c.region, c.dryRun)
	if err != nil {
		return nil, err
	}
	c.nsxtClients[buildingBlock] = manager
	return manager, nil
}

// observePods re-stamps the last-seen time of every service-user version a
// running workload still consumes.
func (c *Configurator) observePods(ctx context.Context) {
	if !c.manageServiceUsers {
		return
	}
	pods, err := c.client.CoreV1().Pods(c.namespace).List(ctx,
		metav1.ListOptions{LabelSelector: serviceUserVersionLabel})
	if err != nil {
		c.log.Error(err, "listing workload pods failed")
		return
	}

	declarations := c.env.ServiceUsers.Mapping()
	for i := range pods.Items {
		pod := &pods.Items[i]
		service := pod.Annotations["uses-service-user"]
		vcenterName := pod.Labels["vcenter"]
		version := pod.Labels[serviceUserVersionLabel]
		if service == "" || vcenterName == "" || version == "" {
			continue
		}
		if _, ok := declarations[service]; !ok {
			continue
		}
		c.tracker.Stamp(service, vcenterName, version)
	}
}

// paddedUsername joins the template with the zero-padded version, the
// username scheme of all managed service users.
func paddedUsername(template, version string) string {
	n, err := strconv.Atoi(version)
	if err != nil {
		return template + version
	}
	return fmt.Sprintf("%s%04d", template, n)
}

// versionOf extracts the version from a username's four digit suffix.
func versionOf(username string) (string, bool) {
	if len(username) < 4 {
		return "", false
	}
	n, err := strconv.Atoi(username[len(username)-4:])
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}

func containsString(haystack []string, needle string) bool {
	for _, value := range haystack {
		if value == needle {
			return true
		}
	}
	return false
}

func removeString(haystack []string, needle string) []string {
	kept := haystack[:0]
	for _, value := range haystack {
		if value != needle {
			kept = append(kept, value)
		}
	}
	return kept
}
