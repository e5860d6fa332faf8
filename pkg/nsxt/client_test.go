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

package nsxt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildingBlock(t *testing.T) {
	for input, want := range map[string]string{
		"bb42":  "bb042",
		"b7":    "bb007",
		"123":   "bb123",
		"BB001": "bb001",
	} {
		got, err := ParseBuildingBlock(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseBuildingBlock("building-block-1")
	assert.Error(t, err)
}

func newTestNsxt(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient("admin", "secret", "bb42", "eu-de-1", false)
	require.NoError(t, err)
	c.baseURL = srv.URL
	c.httpc = srv.Client()
	return c
}

func TestConnectCapturesXSRFToken(t *testing.T) {
	var seenUser, seenPassword string
	c := newTestNsxt(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/session/create", r.URL.Path)
		require.NoError(t, r.ParseForm())
		seenUser = r.PostForm.Get("j_username")
		seenPassword = r.PostForm.Get("j_password")
		w.Header().Set("X-XSRF-TOKEN", "token-123")
	}))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "admin", seenUser)
	assert.Equal(t, "secret", seenPassword)
	assert.Equal(t, "token-123", c.xsrfToken)
}

func TestConnectRejected(t *testing.T) {
	c := newTestNsxt(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func nsxtFixture(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/create", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-XSRF-TOKEN", "token-123")
	})
	mux.HandleFunc("/api/v1/node/users", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(t, w, map[string]interface{}{"results": []map[string]interface{}{
				{"username": "svc-user-0001"},
				{"username": "svc-user-0002"},
				{"username": "audit"},
			}})
		case http.MethodPost:
			require.Equal(t, "create_user", r.URL.Query().Get("action"))
			require.Equal(t, "token-123", r.Header.Get("X-XSRF-TOKEN"))
			var user map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&user))
			if user["username"] == "svc-user-0001" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/api/v1/aaa/role-bindings", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "ghost" {
			writeJSON(t, w, map[string]interface{}{"results": []map[string]interface{}{}})
			return
		}
		writeJSON(t, w, map[string]interface{}{"results": []map[string]interface{}{{
			"id":        "rb-1",
			"user_id":   "10007",
			"name":      r.URL.Query().Get("name"),
			"_revision": 3,
			"roles":     []map[string]string{{"role": "auditor"}},
		}}})
	})
	mux.HandleFunc("/api/v1/aaa/role-bindings/rb-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(3), payload["_revision"])
		assert.Equal(t, "local_user", payload["type"])
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/node/users/10007", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestExpiredSessionIsReestablished(t *testing.T) {
	logins := 0
	expired := false
	token := ""
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/create", func(w http.ResponseWriter, r *http.Request) {
		logins++
		expired = false
		token = fmt.Sprintf("token-%d", logins)
		w.Header().Set("X-XSRF-TOKEN", token)
	})
	mux.HandleFunc("/api/v1/node/users", func(w http.ResponseWriter, r *http.Request) {
		if expired {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(t, w, map[string]interface{}{"results": []map[string]interface{}{
				{"username": "svc-user-0001"},
			}})
		case http.MethodPost:
			require.Equal(t, token, r.Header.Get("X-XSRF-TOKEN"))
			w.WriteHeader(http.StatusCreated)
		}
	})
	c := newTestNsxt(t, mux)

	users, err := c.ListUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, 1, logins)

	// the manager dropped the session server-side, the next call re-logins
	// transparently
	expired = true
	users, err = c.ListUsers(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 2, logins)

	// mutating calls carry the token of the fresh session
	expired = true
	require.NoError(t, c.CreateServiceUser(context.Background(), "svc-user-0002", "pw"))
	assert.Equal(t, 3, logins)
	assert.Equal(t, "token-3", c.xsrfToken)
}

func TestListUsersWithPrefix(t *testing.T) {
	c := newTestNsxt(t, nsxtFixture(t))

	users, err := c.ListUsers(context.Background(), "svc-user-")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-user-0001", "svc-user-0002"}, users)

	all, err := c.ListUsers(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetUserRoleMapping(t *testing.T) {
	c := newTestNsxt(t, nsxtFixture(t))

	binding, err := c.GetUserRoleMapping(context.Background(), "svc-user-0001")
	require.NoError(t, err)
	assert.Equal(t, "10007", binding.UserID)
	assert.Equal(t, 3, binding.Revision)
	assert.True(t, binding.HasRole("auditor"))
	assert.False(t, binding.HasRole("enterprise_admin"))

	_, err = c.GetUserRoleMapping(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestCreateServiceUserConflictIsBenign(t *testing.T) {
	c := newTestNsxt(t, nsxtFixture(t))

	// 409 from the manager is swallowed, the user is already there
	assert.NoError(t, c.CreateServiceUser(context.Background(), "svc-user-0001", "pw"))
	assert.NoError(t, c.CreateServiceUser(context.Background(), "svc-user-0003", "pw"))
}

func TestAddUserToGroup(t *testing.T) {
	c := newTestNsxt(t, nsxtFixture(t))

	// has the role already: no PUT issued (the fixture would fail on it)
	assert.NoError(t, c.AddUserToGroup(context.Background(), "svc-user-0001", "auditor"))
	// role missing: PUT with the binding's revision
	assert.NoError(t, c.AddUserToGroup(context.Background(), "svc-user-0001", "enterprise_admin"))
}

func TestDeleteServiceUser(t *testing.T) {
	c := newTestNsxt(t, nsxtFixture(t))
	assert.NoError(t, c.DeleteServiceUser(context.Background(), "svc-user-0001"))
}
