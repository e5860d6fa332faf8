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

// Package vault implements the credential-store client used for service-user
// lifecycle management. The store is a Vault KV-v2 with two mount points: the
// operator writes to one, a replication job copies secrets to the other,
// which is the only mount workloads (and this operator, for reads) consume.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	expiryDays       = 365
	renewMargin      = 5 * time.Minute
	dateFormat       = "2006-01-02"
	applicationOwner = "vcenter-operator"
	supportGroup     = "compute-storage-api"
)

// ErrUnavailable is returned for any 5xx response from the credential store.
// The caller skips the affected host for the current tick.
var ErrUnavailable = errors.New("vault unavailable")

// ErrNotReplicated signals that the read mount lags behind the write mount.
// Raising it always goes together with a replication trigger.
var ErrNotReplicated = errors.New("vault secret not replicated")

// PasswordConstraints is the shape passwords generated by the store must
// satisfy: exact total length, minimum count of digits and of punctuation
// symbols.
type PasswordConstraints struct {
	Length  int `json:"length"`
	Digits  int `json:"digits"`
	Symbols int `json:"symbols"`
}

// Credentials is the payload stored under a service-user path.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// VersionMeta is the per-version bookkeeping of a KV-v2 secret.
type VersionMeta struct {
	CreatedTime  string `json:"created_time"`
	DeletionTime string `json:"deletion_time"`
}

// Metadata is the KV-v2 metadata of a secret path.
type Metadata struct {
	Versions       map[string]VersionMeta `json:"versions"`
	CustomMetadata map[string]string      `json:"custom_metadata"`
}

// LatestVersion returns the highest version number that has not been deleted,
// or 0 if none.
func (m *Metadata) LatestVersion() int {
	latest := 0
	for v, meta := range m.Versions {
		if meta.DeletionTime != "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest
}

// Client is a bearer-token session against the credential store. Zero values
// for the connection settings are permitted; operations fail until they are
// configured via the setters, which the configurator calls whenever the
// operator secret changes.
type Client struct {
	url         string
	mountRead   string
	mountWrite  string
	roleID      string
	secretID    string
	constraints PasswordConstraints

	token     string
	nextRenew time.Time

	dryRun bool
	httpc  *http.Client
	now    func() time.Time
	log    logr.Logger
}

func NewClient(dryRun bool) *Client {
	return &Client{
		dryRun: dryRun,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		log:    klog.Background().WithName("vault"),
	}
}

func (c *Client) SetURL(url string)                            { c.url = strings.TrimSuffix(url, "/") }
func (c *Client) SetMountPointRead(mount string)               { c.mountRead = mount }
func (c *Client) SetMountPointWrite(mount string)              { c.mountWrite = mount }
func (c *Client) SetAppRole(roleID, secretID string)           { c.roleID, c.secretID = roleID, secretID }
func (c *Client) SetPasswordConstraints(p PasswordConstraints) { c.constraints = p }

// PasswordConstraints returns the currently configured constraints.
func (c *Client) PasswordConstraints() PasswordConstraints { return c.constraints }

func (c *Client) checkConfigured() error {
	switch {
	case c.url == "":
		return errors.New("vault URL is not set")
	case c.mountRead == "":
		return errors.New("vault read mount point is not set")
	case c.mountWrite == "":
		return errors.New("vault write mount point is not set")
	case c.roleID == "" || c.secretID == "":
		return errors.New("vault approle is not set")
	case c.constraints == (PasswordConstraints{}):
		return errors.New("vault password constraints are not set")
	}
	return nil
}

// do issues a request with the session token and maps the transport-level
// error classes: 5xx to ErrUnavailable, everything else is left to the
// caller. The response body is decoded into out when out is non-nil and the
// status is 2xx.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, okNotFound bool) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("X-Vault-Token", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, errors.Wrapf(ErrUnavailable, "request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, errors.Wrapf(ErrUnavailable, "%s returned %d", path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && okNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400:
		return resp.StatusCode, errors.Errorf("%s returned %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decoding response of %s", path)
		}
	}
	return resp.StatusCode, nil
}

// Login performs an AppRole login unless the current token is still fresh.
// The token is renewed 5 minutes before its lease runs out.
func (c *Client) Login(ctx context.Context) error {
	if err := c.checkConfigured(); err != nil {
		return err
	}
	if c.token != "" && c.now().Before(c.nextRenew) {
		return nil
	}

	var result struct {
		Auth struct {
			ClientToken   string `json:"client_token"`
			LeaseDuration int    `json:"lease_duration"`
		} `json:"auth"`
	}
	payload := map[string]string{"role_id": c.roleID, "secret_id": c.secretID}
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/approle/login", payload, &result, false); err != nil {
		return err
	}

	c.token = result.Auth.ClientToken
	c.nextRenew = c.now().Add(time.Duration(result.Auth.LeaseDuration)*time.Second - renewMargin)
	c.log.V(4).Info("new vault token", "leaseDuration", result.Auth.LeaseDuration)
	return nil
}

// GetSecret reads the credentials stored at path on the read mount. A missing
// secret yields (nil, nil).
func (c *Client) GetSecret(ctx context.Context, path string) (*Credentials, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	var result struct {
		Data struct {
			Data *Credentials `json:"data"`
		} `json:"data"`
	}
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%s/data/%s", c.mountRead, path), nil, &result, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		c.log.V(2).Info("secret not found", "path", path)
		return nil, nil
	}
	return result.Data.Data, nil
}

// GetMetadata reads the KV-v2 metadata of path from the read or write mount.
// A missing path yields (nil, nil).
func (c *Client) GetMetadata(ctx context.Context, path string, read bool) (*Metadata, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	mount := c.mountWrite
	if read {
		mount = c.mountRead
	}
	var result struct {
		Data *Metadata `json:"data"`
	}
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%s/metadata/%s", mount, path), nil, &result, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return result.Data, nil
}

// GeneratePassword asks the store's generator endpoint for a password that
// satisfies the configured constraints.
func (c *Client) GeneratePassword(ctx context.Context) (string, error) {
	var result struct {
		Data struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodPut, "/v1/gen/password", c.constraints, &result, false); err != nil {
		return "", err
	}
	return result.Data.Value, nil
}

// CheckPasswordStrength reports whether password satisfies the configured
// constraints without contacting the store.
func (c *Client) CheckPasswordStrength(password string) bool {
	if len(password) != c.constraints.Length {
		return false
	}
	digits, symbols := 0, 0
	for _, r := range password {
		if unicode.IsDigit(r) {
			digits++
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			symbols++
		}
	}
	return digits >= c.constraints.Digits && symbols >= c.constraints.Symbols
}

// TriggerReplicate requests replication of path from the write to the read
// mount.
func (c *Client) TriggerReplicate(ctx context.Context, path string) error {
	if err := c.checkConfigured(); err != nil {
		return err
	}
	payload := map[string]string{"mount": c.mountWrite, "path": path}
	_, err := c.do(ctx, http.MethodPost, "/v1/gen/replicate", payload, nil, false)
	return err
}

// CreateServiceUser allocates the next username version, generates a
// password, stores both at path on the write mount together with the
// governance metadata, and triggers replication. With lastVersion == "" the
// very first version ("...0001") is allocated. In dry-run mode nothing is
// written and version "1" is reported.
func (c *Client) CreateServiceUser(ctx context.Context, usernameTemplate, path, service, lastVersion string) (version, username, password string, err error) {
	if err := c.checkConfigured(); err != nil {
		return "", "", "", err
	}

	if lastVersion == "" {
		username = usernameTemplate + "0001"
	} else {
		n, err := strconv.Atoi(lastVersion)
		if err != nil {
			return "", "", "", errors.Wrapf(err, "invalid last version %q", lastVersion)
		}
		username = fmt.Sprintf("%s%04d", usernameTemplate, n+1)
	}

	password, err = c.GeneratePassword(ctx)
	if err != nil {
		return "", "", "", err
	}

	if c.dryRun {
		c.log.Info("dry-run: would have created service-user", "path", path, "username", username)
		return "1", username, password, nil
	}

	version, err = c.storeCredentials(ctx, username, password, path, service)
	if err != nil {
		return "", "", "", err
	}
	if err := c.TriggerReplicate(ctx, path); err != nil {
		return "", "", "", err
	}
	return version, username, password, nil
}

func (c *Client) storeCredentials(ctx context.Context, username, password, path, service string) (string, error) {
	var result struct {
		Data struct {
			Version int `json:"version"`
		} `json:"data"`
	}
	payload := map[string]Credentials{"data": {Username: username, Password: password}}
	dataPath := fmt.Sprintf("/v1/%s/data/%s", c.mountWrite, path)
	if _, err := c.do(ctx, http.MethodPost, dataPath, payload, &result, false); err != nil {
		return "", err
	}

	now := c.now()
	metadata := map[string]map[string]string{
		"custom_metadata": {
			"accessed_resource":       service,
			"application_criticality": "high",
			"expiry_date":             now.AddDate(0, 0, expiryDays).Format(dateFormat),
			"owner":                   applicationOwner,
			"review_date":             now.Format(dateFormat),
			"support_group":           supportGroup,
			"type":                    "secret",
			"username":                username,
			"replica_dest_secrets":    fmt.Sprintf("%s, %s", c.mountRead, path),
		},
	}
	metaPath := fmt.Sprintf("/v1/%s/metadata/%s", c.mountWrite, path)
	if _, err := c.do(ctx, http.MethodPost, metaPath, metadata, nil, false); err != nil {
		return "", err
	}
	return strconv.Itoa(result.Data.Version), nil
}

// CheckAndUpdateUsernameIfNecessary reads the current credentials at path and
// verifies the username matches the template plus the zero-padded current
// version and the password satisfies the constraints. If so, the current
// version is returned unchanged; otherwise a fresh user is written at the
// next version.
func (c *Client) CheckAndUpdateUsernameIfNecessary(ctx context.Context, path, service, usernameTemplate string) (string, error) {
	if err := c.checkConfigured(); err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			Data     Credentials `json:"data"`
			Metadata struct {
				Version int `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	dataPath := fmt.Sprintf("/v1/%s/data/%s", c.mountRead, path)
	if _, err := c.do(ctx, http.MethodGet, dataPath, nil, &result, false); err != nil {
		return "", err
	}

	version := result.Data.Metadata.Version
	expected := fmt.Sprintf("%s%04d", usernameTemplate, version)
	if result.Data.Data.Username == expected && c.CheckPasswordStrength(result.Data.Data.Password) {
		c.log.V(2).Info("stored credentials are valid", "service", service, "version", version)
		return strconv.Itoa(version), nil
	}

	c.log.Info("rewriting credentials", "service", service, "path", path)
	username := fmt.Sprintf("%s%04d", usernameTemplate, version+1)
	password, err := c.GeneratePassword(ctx)
	if err != nil {
		return "", err
	}
	newVersion, err := c.storeCredentials(ctx, username, password, path, service)
	if err != nil {
		return "", err
	}
	if err := c.TriggerReplicate(ctx, path); err != nil {
		return "", err
	}
	return newVersion, nil
}
