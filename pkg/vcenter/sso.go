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
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi/ssoadmin"
	ssoadmintypes "github.com/vmware/govmomi/ssoadmin/types"
	"github.com/vmware/govmomi/sts"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"k8s.io/klog/v2"
)

// ErrSSOSkipped marks an SSO operation suppressed by backoff or aborted by a
// failing admin endpoint. The host is skipped for the tick.
var ErrSSOSkipped = errors.New("sso operation skipped")

const (
	ssoDomain           = "vsphere.local"
	administratorsGroup = "Administrators"
)

// adminClient is the slice of the ssoadmin API the operator uses.
type adminClient interface {
	FindPersonUsers(ctx context.Context, search string) ([]ssoadmintypes.AdminPersonUser, error)
	FindUsersInGroup(ctx context.Context, group, search string) ([]ssoadmintypes.AdminUser, error)
	CreatePersonUser(ctx context.Context, name string, details ssoadmintypes.AdminPersonDetails, password string) error
	AddUsersToGroup(ctx context.Context, group string, users ...ssoadmintypes.PrincipalId) error
	DeletePrincipal(ctx context.Context, name string) error
	Logout(ctx context.Context) error
}

type ssoRecord struct {
	api       adminClient
	retries   int
	lastRetry time.Time
}

// SSO manages local person users on the vCenters' builtin identity domain.
// Authentication goes through the STS with the operator's technical AD user,
// the issued SAML token signs the admin session login.
type SSO struct {
	username string
	password string
	dryRun   bool

	mu      sync.Mutex
	hosts   map[string]*ssoRecord
	connect func(ctx context.Context, vc *vim25.Client, username, password string) (adminClient, error)
	now     func() time.Time
	log     logr.Logger
}

func NewSSO(dryRun bool) *SSO {
	return &SSO{
		dryRun:  dryRun,
		hosts:   map[string]*ssoRecord{},
		connect: connectSSOAdmin,
		now:     time.Now,
		log:     klog.Background().WithName("vcenter").WithName("sso"),
	}
}

// SetCredentials replaces the technical user credentials and drops all admin
// sessions so they get reestablished with the new identity.
func (s *SSO) SetCredentials(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username == username && s.password == password {
		return
	}
	s.username = username
	s.password = password
	s.hosts = map[string]*ssoRecord{}
}

func connectSSOAdmin(ctx context.Context, vc *vim25.Client, username, password string) (adminClient, error) {
	admin, err := ssoadmin.NewClient(ctx, vc)
	if err != nil {
		return nil, err
	}

	stsClient, err := sts.NewClient(ctx, vc)
	if err != nil {
		return nil, err
	}
	signer, err := stsClient.Issue(ctx, sts.TokenRequest{
		Userinfo:    url.UserPassword(username, password),
		Delegatable: true,
	})
	if err != nil {
		return nil, err
	}

	header := soap.Header{Security: signer}
	if err := admin.Login(admin.WithHeader(ctx, header)); err != nil {
		return nil, err
	}
	return admin, nil
}

func (s *SSO) api(ctx context.Context, host string, vc *vim25.Client) (*ssoRecord, error) {
	rec, ok := s.hosts[host]
	if !ok {
		rec = &ssoRecord{}
		s.hosts[host] = rec
	}
	if rec.api != nil {
		return rec, nil
	}

	if rec.retries > 0 {
		wait := time.Duration(rec.retries) * time.Minute
		if wait > 10*time.Minute {
			wait = 10 * time.Minute
		}
		if s.now().Before(rec.lastRetry.Add(wait)) {
			return nil, errors.Wrapf(ErrSSOSkipped, "%s (retry %d)", host, rec.retries)
		}
	}

	api, err := s.connect(ctx, vc, s.username, s.password)
	if err != nil {
		rec.retries++
		rec.lastRetry = s.now()
		s.log.Error(err, "could not connect to sso admin endpoint", "host", host, "retries", rec.retries)
		return nil, errors.Wrapf(ErrSSOSkipped, "%s: %v", host, err)
	}
	rec.api = api
	rec.retries = 0
	rec.lastRetry = s.now()
	return rec, nil
}

// drop discards the admin session after an operation failure so the next
// tick reconnects.
func (s *SSO) drop(host string) {
	delete(s.hosts, host)
}

// ListServiceUsers returns the names of local person users matching search.
func (s *SSO) ListServiceUsers(ctx context.Context, host string, vc *vim25.Client, search string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.api(ctx, host, vc)
	if err != nil {
		return nil, err
	}
	users, err := rec.api.FindPersonUsers(ctx, search)
	if err != nil {
		s.drop(host)
		return nil, errors.Wrapf(ErrSSOSkipped, "listing users on %s: %v", host, err)
	}
	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.Id.Name)
	}
	return names, nil
}

// CheckUserInAdministrators reports whether username is a member of the
// builtin Administrators group.
func (s *SSO) CheckUserInAdministrators(ctx context.Context, host string, vc *vim25.Client, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.api(ctx, host, vc)
	if err != nil {
		return false, err
	}
	users, err := rec.api.FindUsersInGroup(ctx, administratorsGroup, username)
	if err != nil {
		s.drop(host)
		return false, errors.Wrapf(ErrSSOSkipped, "checking group membership on %s: %v", host, err)
	}
	for _, user := range users {
		if user.Id.Name == username {
			return true, nil
		}
	}
	return false, nil
}

// CreateServiceUser creates a local person user.
func (s *SSO) CreateServiceUser(ctx context.Context, host string, vc *vim25.Client, username, password, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.api(ctx, host, vc)
	if err != nil {
		return err
	}
	if s.dryRun {
		s.log.Info("dry-run: would have created service user", "host", host, "username", username)
		return nil
	}
	details := ssoadmintypes.AdminPersonDetails{
		Description: fmt.Sprintf("Service-user for service %s", service),
	}
	if err := rec.api.CreatePersonUser(ctx, username, details, password); err != nil {
		s.drop(host)
		return errors.Wrapf(ErrSSOSkipped, "creating user %s on %s: %v", username, host, err)
	}
	s.log.Info("created service user", "host", host, "username", username)
	return nil
}

// AddUserToAdministrators puts username into the builtin Administrators
// group. The user must exist.
func (s *SSO) AddUserToAdministrators(ctx context.Context, host string, vc *vim25.Client, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.api(ctx, host, vc)
	if err != nil {
		return err
	}
	users, err := rec.api.FindPersonUsers(ctx, username)
	if err != nil {
		s.drop(host)
		return errors.Wrapf(ErrSSOSkipped, "looking up user %s on %s: %v", username, host, err)
	}
	var id *ssoadmintypes.PrincipalId
	for i := range users {
		if users[i].Id.Name == username {
			id = &users[i].Id
			break
		}
	}
	if id == nil {
		return errors.Wrapf(ErrSSOSkipped, "user %s not found on %s", username, host)
	}
	if s.dryRun {
		s.log.Info("dry-run: would have added user to group", "host", host, "username", username, "group", administratorsGroup)
		return nil
	}
	if err := rec.api.AddUsersToGroup(ctx, administratorsGroup, *id); err != nil {
		s.drop(host)
		return errors.Wrapf(ErrSSOSkipped, "adding user %s to %s on %s: %v", username, administratorsGroup, host, err)
	}
	s.log.Info("added service user to group", "host", host, "username", username, "group", administratorsGroup)
	return nil
}

// DeleteServiceUser removes the local person user behind username.
func (s *SSO) DeleteServiceUser(ctx context.Context, host string, vc *vim25.Client, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.api(ctx, host, vc)
	if err != nil {
		return err
	}
	if s.dryRun {
		s.log.Info("dry-run: would have deleted service user", "host", host, "username", username)
		return nil
	}
	if err := rec.api.DeletePrincipal(ctx, username); err != nil {
		s.drop(host)
		return errors.Wrapf(ErrSSOSkipped, "deleting user %s on %s: %v", username, host, err)
	}
	s.log.Info("deleted service user", "host", host, "username", username)
	return nil
}
