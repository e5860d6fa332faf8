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
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sapcc/vcenter-operator/pkg/mpw"
	"github.com/sapcc/vcenter-operator/pkg/vault"
)

// operatorSecretName is the secret in the operator's own namespace that
// carries all runtime configuration.
const operatorSecretName = "vcenter-operator"

const novaCellSelector = "system=openstack,component=nova,type=nova-cell"

// pollConfig refreshes the configuration from the operator secret. Keys the
// operator interprets itself are consumed, every remaining key becomes a
// global template option, JSON-decoded when possible.
func (c *Configurator) pollConfig(ctx context.Context) error {
	secret, err := c.client.CoreV1().Secrets(c.namespace).Get(ctx, operatorSecretName, metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "reading secret %s/%s", c.namespace, operatorSecretName)
	}
	data := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		data[key] = string(value)
	}
	take := func(key string) string {
		value := data[key]
		delete(data, key)
		return value
	}

	c.manageServiceUsers = take("manage_service_user_passwords") == "true"
	c.globalOptions["manage_service_user_passwords"] = c.manageServiceUsers

	if c.manageServiceUsers {
		if err := c.configureServiceUserManagement(ctx, take); err != nil {
			return err
		}
	}

	password := take("password")
	if password == "" {
		return errors.Errorf("secret %s has no password", operatorSecretName)
	}

	for key, value := range data {
		c.globalOptions[key] = decodeOption(value)
	}

	if c.masterPassword != password {
		c.globalOptions["master_password"] = password
		c.masterPassword = password
		m, err := mpw.New(c.username(), password)
		if err != nil {
			return errors.Wrap(err, "deriving master password")
		}
		c.mpw = m
	}
	c.region = stringOption(c.globalOptions, "region")
	return nil
}

func (c *Configurator) configureServiceUserManagement(ctx context.Context, take func(string) string) error {
	if value := take("max_time_not_seen"); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "invalid max_time_not_seen")
		}
		c.maxTimeNotSeen = time.Duration(seconds) * time.Second
	}
	if value := take("vault_check_interval"); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "invalid vault_check_interval")
		}
		c.vaultCheckInterval = time.Duration(seconds) * time.Second
	}

	length, _ := strconv.Atoi(take("password_length"))
	digits, _ := strconv.Atoi(take("password_digits"))
	symbols, _ := strconv.Atoi(take("password_symbols"))
	if length <= 0 || digits <= 0 || symbols <= 0 {
		return errors.New("password_length, password_digits and password_symbols must be set with non-zero values")
	}
	c.vault.SetPasswordConstraints(vault.PasswordConstraints{
		Length:  length,
		Digits:  digits,
		Symbols: symbols,
	})

	secretID := take("secret_id")
	roleID := take("role_id")
	adTTUUsername := take("ad_ttu_username")
	adTTUPassword := take("ad_ttu_password")
	activeDirectory := take("active_directory")

	if value := take("vault_url"); value != "" {
		c.globalOptions["vault_url"] = value
		c.vault.SetURL(value)
	}
	if value := take("mount_point_read"); value != "" {
		c.globalOptions["mount_point_read"] = value
		c.vault.SetMountPointRead(value)
	}
	if value := take("mount_point_write"); value != "" {
		c.globalOptions["mount_point_write"] = value
		c.vault.SetMountPointWrite(value)
	}
	if roleID != "" && secretID != "" {
		c.vault.SetAppRole(roleID, secretID)
	}

	c.adTTUUsername = adTTUUsername + "@" + activeDirectory
	c.adTTUPassword = adTTUPassword
	c.globalOptions["ad_ttu_username"] = c.adTTUUsername
	c.globalOptions["ad_ttu_password"] = adTTUPassword
	c.sso.SetCredentials(c.adTTUUsername, adTTUPassword)

	return c.vault.Login(ctx)
}

// decodeOption interprets a secret value as JSON where possible. Numbers are
// kept as json.Number so they render the way they were written.
func decodeOption(value string) interface{} {
	decoder := json.NewDecoder(strings.NewReader(value))
	decoder.UseNumber()
	var decoded interface{}
	if err := decoder.Decode(&decoded); err != nil {
		return value
	}
	return decoded
}

// pollNovaCells collects the cell names from the nova-cell ConfigMaps.
// Templates check the set to pick the per-cell service configuration. The
// set only ever grows, a vanished ConfigMap must not flip templates back to
// the cell-less layout.
func (c *Configurator) pollNovaCells(ctx context.Context) error {
	configmaps, err := c.client.CoreV1().ConfigMaps(metav1.NamespaceAll).List(ctx,
		metav1.ListOptions{LabelSelector: novaCellSelector})
	if err != nil {
		return errors.Wrapf(err, "listing configmaps with labels %s", novaCellSelector)
	}
	if len(configmaps.Items) == 0 {
		return errors.Errorf("no configmaps with labels %s found", novaCellSelector)
	}

	cells := map[string]struct{}{}
	for _, cell := range c.cells {
		cells[cell] = struct{}{}
	}
	for i := range configmaps.Items {
		configmap := &configmaps.Items[i]
		data, ok := configmap.Data["cells"]
		if !ok {
			return errors.Errorf("malformed ConfigMap %s/%s: missing cells key",
				configmap.Namespace, configmap.Name)
		}
		for _, cell := range strings.Split(data, ",") {
			cells[cell] = struct{}{}
		}
	}

	names := make([]string, 0, len(cells))
	for cell := range cells {
		names = append(names, cell)
	}
	sort.Strings(names)
	c.cells = names
	c.globalOptions["cells"] = names
	return nil
}
