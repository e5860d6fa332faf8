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

// Package vcenter holds the per-host vCenter plumbing: session management
// with incremental backoff, the SSO admin operations for service users and
// the cluster inventory poller.
package vcenter

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"k8s.io/klog/v2"
)

var (
	// ErrConnectionFailed marks a failed login or transport failure. The
	// host is skipped for the tick and retried with backoff.
	ErrConnectionFailed = errors.New("connecting to vcenter failed")
	// ErrConnectSkipped marks a reconnection attempt suppressed by the
	// incremental backoff.
	ErrConnectSkipped = errors.New("reconnection attempt skipped due to backoff")
)

type hostRecord struct {
	username  string
	password  string
	client    *govmomi.Client
	retries   int
	lastRetry time.Time
}

// Connector maintains one authenticated session per vCenter host.
type Connector struct {
	mu    sync.Mutex
	hosts map[string]*hostRecord
	now   func() time.Time
	log   logr.Logger
}

func NewConnector() *Connector {
	return &Connector{
		hosts: map[string]*hostRecord{},
		now:   time.Now,
		log:   klog.Background().WithName("vcenter"),
	}
}

// Session returns a logged-in client for host, reconnecting when the session
// died or the credentials changed. Liveness is probed with a CurrentTime
// round trip.
func (c *Connector) Session(ctx context.Context, host, username, password string) (*govmomi.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.hosts[host]
	if !ok {
		rec = &hostRecord{}
		c.hosts[host] = rec
	}

	if rec.client != nil && rec.username == username && rec.password == password {
		if _, err := methods.GetCurrentTime(ctx, rec.client.Client); err == nil {
			return rec.client, nil
		} else {
			c.log.Info("session died, reconnecting", "host", host, "err", err)
			rec.client = nil
		}
	}

	rec.username = username
	rec.password = password
	return c.connect(ctx, host, rec)
}

func (c *Connector) connect(ctx context.Context, host string, rec *hostRecord) (*govmomi.Client, error) {
	if rec.retries > 0 {
		// wait a maximum of 10 minutes, a minimum of 1
		wait := time.Duration(rec.retries) * time.Minute
		if wait > 10*time.Minute {
			wait = 10 * time.Minute
		}
		if c.now().Before(rec.lastRetry.Add(wait)) {
			return nil, errors.Wrapf(ErrConnectSkipped, "%s (retry %d)", host, rec.retries)
		}
	}

	c.log.Info("connecting", "host", host)
	rec.retries++
	rec.lastRetry = c.now()
	rec.client = nil

	u := &url.URL{
		Scheme: "https",
		Host:   host,
		Path:   vim25.Path,
		User:   url.UserPassword(rec.username, rec.password),
	}
	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		if soap.IsSoapFault(err) {
			if _, ok := soap.ToSoapFault(err).VimFault().(types.InvalidLogin); ok {
				c.log.Error(nil, "invalid login", "host", host, "username", rec.username)
			}
		}
		return nil, errors.Wrapf(ErrConnectionFailed, "%s: %v", host, err)
	}

	rec.client = client
	rec.retries = 0
	return client, nil
}

// DisconnectAll logs out all live sessions, best effort. Used on shutdown.
func (c *Connector) DisconnectAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, rec := range c.hosts {
		if rec.client == nil {
			continue
		}
		if err := rec.client.Logout(ctx); err != nil {
			c.log.V(2).Info("logout failed", "host", host, "err", err)
		}
		rec.client = nil
	}
}
