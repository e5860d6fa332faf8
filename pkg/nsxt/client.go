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

// Package nsxt manages local node users and their role bindings on the NSX-T
// manager of a single building block. The manager only speaks its session
// cookie dialect: a form login yields an XSRF token that must accompany every
// mutating call.
package nsxt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxActiveUsers is the number of local users the NSX-T manager supports
// besides its builtin accounts. The reconciler must stay within this budget.
const MaxActiveUsers = 2

var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrAlreadyExists = errors.New("object already exists")
	ErrDoesNotExist  = errors.New("object does not exist")
)

var buildingBlockRe = regexp.MustCompile(`^b?b?(\d+)$`)

// ParseBuildingBlock normalizes user input like "bb42", "b42" or "42" to the
// canonical zero-padded form "bb042".
func ParseBuildingBlock(bb string) (string, error) {
	m := buildingBlockRe.FindStringSubmatch(strings.ToLower(bb))
	if m == nil {
		return "", errors.Errorf("%q is not a valid building block", bb)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", errors.Errorf("%q is not a valid building block", bb)
	}
	return fmt.Sprintf("bb%03d", n), nil
}

// RoleBinding is the AAA role binding of a local user.
type RoleBinding struct {
	ID       string
	UserID   string
	Name     string
	Revision int
	Roles    []string
}

// HasRole reports whether the binding grants the given role.
func (r *RoleBinding) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// Client is a session-cookied client for one building block's NSX-T manager.
type Client struct {
	user     string
	password string
	bb       string

	baseURL   string
	httpc     *http.Client
	xsrfToken string
	dryRun    bool
	log       logr.Logger
}

// NewClient builds a client for the given building block in the given
// region. The TLS endpoints use self-signed certificates, so verification is
// skipped like for the vCenter connections.
func NewClient(user, password, buildingBlock, region string, dryRun bool) (*Client, error) {
	bb, err := ParseBuildingBlock(buildingBlock)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		user:     user,
		password: password,
		bb:       bb,
		baseURL:  fmt.Sprintf("https://nsx-ctl-%s.cc.%s.cloud.sap", bb, region),
		httpc: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		dryRun: dryRun,
		log:    klog.Background().WithName("nsxt").WithValues("bb", bb),
	}, nil
}

// BuildingBlock returns the canonical building block identifier.
func (c *Client) BuildingBlock() string { return c.bb }

// Connect logs in via the form endpoint and captures the XSRF token for
// subsequent writes.
func (c *Client) Connect(ctx context.Context) error {
	form := url.Values{}
	form.Set("j_username", c.user)
	form.Set("j_password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/session/create", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not connect to nsx-t %s", c.bb)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrNotAuthorized, "authentication failure to %s with user %s", c.bb, c.user)
	}
	c.xsrfToken = resp.Header.Get("X-XSRF-TOKEN")
	return nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.xsrfToken != "" {
		return nil
	}
	return c.Connect(ctx)
}

// request issues an authenticated call and maps the manager's status codes:
// 404 to ErrDoesNotExist, 409 to ErrAlreadyExists. The manager expires
// sessions server-side, so a 403 is answered with one fresh login and a
// retry before it surfaces as ErrNotAuthorized.
func (c *Client) request(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	err := c.do(ctx, method, path, params, payload, out)
	if !errors.Is(err, ErrNotAuthorized) {
		return err
	}
	c.xsrfToken = ""
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.do(ctx, method, path, params, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte, out interface{}) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("X-XSRF-TOKEN", c.xsrfToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not connect to nsx-t %s", c.bb)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return errors.Wrapf(ErrNotAuthorized, "authentication failure to %s with user %s", c.bb, c.user)
	case http.StatusNotFound:
		return errors.Wrapf(ErrDoesNotExist, "%s %s", method, path)
	case http.StatusConflict:
		return errors.Wrapf(ErrAlreadyExists, "%s %s", method, path)
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decoding response of %s", path)
		}
	}
	return nil
}

// ListUsers returns the local node users whose name starts with prefix. An
// empty prefix returns all users.
func (c *Client) ListUsers(ctx context.Context, prefix string) ([]string, error) {
	var result struct {
		Results []struct {
			Username string `json:"username"`
		} `json:"results"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/node/users", nil, nil, &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Results))
	for _, u := range result.Results {
		if prefix == "" || strings.HasPrefix(u.Username, prefix) {
			names = append(names, u.Username)
		}
	}
	return names, nil
}

// GetUserRoleMapping fetches the role binding for the given user or group
// name.
func (c *Client) GetUserRoleMapping(ctx context.Context, name string) (*RoleBinding, error) {
	var result struct {
		Results []struct {
			ID       string `json:"id"`
			UserID   string `json:"user_id"`
			Name     string `json:"name"`
			Revision int    `json:"_revision"`
			Roles    []struct {
				Role string `json:"role"`
			} `json:"roles"`
		} `json:"results"`
	}
	params := url.Values{"name": []string{name}}
	if err := c.request(ctx, http.MethodGet, "/api/v1/aaa/role-bindings", params, nil, &result); err != nil {
		return nil, err
	}
	if len(result.Results) != 1 {
		return nil, errors.Wrapf(ErrDoesNotExist, "expected one role binding for %s, got %d", name, len(result.Results))
	}
	binding := &RoleBinding{
		ID:       result.Results[0].ID,
		UserID:   result.Results[0].UserID,
		Name:     result.Results[0].Name,
		Revision: result.Results[0].Revision,
	}
	for _, r := range result.Results[0].Roles {
		binding.Roles = append(binding.Roles, r.Role)
	}
	return binding, nil
}

// CheckUserInGroup reports whether the user's role binding grants role.
func (c *Client) CheckUserInGroup(ctx context.Context, username, role string) (bool, error) {
	binding, err := c.GetUserRoleMapping(ctx, username)
	if err != nil {
		if errors.Is(err, ErrDoesNotExist) {
			return false, nil
		}
		return false, err
	}
	return binding.HasRole(role), nil
}

// CreateServiceUser creates a local node user. An already existing user is
// not an error.
func (c *Client) CreateServiceUser(ctx context.Context, username, password string) error {
	if c.dryRun {
		c.log.Info("dry-run: would have created nsx-t user", "username", username)
		return nil
	}
	user := map[string]interface{}{
		"full_name":                 username,
		"username":                  username,
		"password":                  password,
		"password_change_frequency": 0,
		"status":                    "ACTIVE",
	}
	params := url.Values{"action": []string{"create_user"}}
	err := c.request(ctx, http.MethodPost, "/api/v1/node/users", params, user, nil)
	if errors.Is(err, ErrAlreadyExists) {
		c.log.V(2).Info("user already exists", "username", username)
		return nil
	}
	return err
}

// AddUserToGroup grants role to the user by updating its role binding. The
// manager requires the binding's current revision in the PUT.
func (c *Client) AddUserToGroup(ctx context.Context, username, role string) error {
	binding, err := c.GetUserRoleMapping(ctx, username)
	if err != nil {
		return err
	}
	if binding.HasRole(role) {
		c.log.V(2).Info("user already has role", "username", username, "role", role)
		return nil
	}
	if c.dryRun {
		c.log.Info("dry-run: would have granted role", "username", username, "role", role)
		return nil
	}

	payload := map[string]interface{}{
		"_revision":            binding.Revision,
		"name":                 binding.Name,
		"read_roles_for_paths": true,
		"type":                 "local_user",
		"roles_for_paths": []map[string]interface{}{{
			"path":  "/",
			"roles": []map[string]string{{"role": role}},
		}},
	}
	return c.request(ctx, http.MethodPut, "/api/v1/aaa/role-bindings/"+binding.ID, nil, payload, nil)
}

// DeleteServiceUser removes the local node user behind username.
func (c *Client) DeleteServiceUser(ctx context.Context, username string) error {
	binding, err := c.GetUserRoleMapping(ctx, username)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.log.Info("dry-run: would have deleted nsx-t user", "username", username)
		return nil
	}
	return c.request(ctx, http.MethodDelete, "/api/v1/node/users/"+binding.UserID, nil, nil, nil)
}
