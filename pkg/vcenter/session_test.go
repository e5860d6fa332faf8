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
	"crypto/tls"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
)

func startSimulator(t *testing.T) (host, username, password string) {
	model := simulator.VPX()
	t.Cleanup(model.Remove)
	require.NoError(t, model.Create())

	model.Service.TLS = new(tls.Config)
	// vcsim only enforces credentials when Listen carries a non-default user.
	model.Service.Listen = &url.URL{User: url.UserPassword("testuser", "testpass")}
	server := model.Service.NewServer()
	t.Cleanup(server.Close)

	password, _ = server.URL.User.Password()
	return server.URL.Host, server.URL.User.Username(), password
}

func TestSessionConnectsAndReuses(t *testing.T) {
	host, username, password := startSimulator(t)
	c := NewConnector()
	ctx := context.Background()

	client, err := c.Session(ctx, host, username, password)
	require.NoError(t, err)
	require.NotNil(t, client)

	again, err := c.Session(ctx, host, username, password)
	require.NoError(t, err)
	assert.Same(t, client, again)

	c.DisconnectAll(ctx)
}

func TestSessionBackoff(t *testing.T) {
	host, username, password := startSimulator(t)
	c := NewConnector()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Session(ctx, host, username, "wrong")
	assert.ErrorIs(t, err, ErrConnectionFailed)

	// first retry is gated for a minute
	_, err = c.Session(ctx, host, username, "wrong")
	assert.ErrorIs(t, err, ErrConnectSkipped)

	now = now.Add(61 * time.Second)
	_, err = c.Session(ctx, host, username, "wrong")
	assert.ErrorIs(t, err, ErrConnectionFailed)

	// two failures gate for two minutes now
	now = now.Add(61 * time.Second)
	_, err = c.Session(ctx, host, username, password)
	assert.ErrorIs(t, err, ErrConnectSkipped)

	now = now.Add(2 * time.Minute)
	client, err := c.Session(ctx, host, username, password)
	require.NoError(t, err)
	require.NotNil(t, client)

	// a successful connect resets the backoff
	c.mu.Lock()
	assert.Equal(t, 0, c.hosts[host].retries)
	c.mu.Unlock()
}
