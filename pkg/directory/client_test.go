package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjnchat/kjnchat/pkg/client"
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

func testCreds() (string, bool) { return "test-token", true }

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "self", testCreds, time.Second)
}

func TestActiveUsers(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "u1", "username": "alice", "online": true, "image": map[string]string{"downloadUrl": "/img/1"}},
			{"id": "u2", "username": "bob", "online": false},
		})
	})

	users, err := c.ActiveUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.True(t, users[0].Online)
	assert.Equal(t, "/img/1", users[0].AvatarRef)
	assert.Empty(t, users[1].AvatarRef)
}

func TestUserGroups(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/groups", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "g1", "groupname": "devs"},
		})
	})

	groups, err := c.UserGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "devs", groups[0].GroupName)
}

func TestHistoryEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		chat      client.ChatContext
		wantPath  string
		wantQuery map[string]string
	}{
		{
			name:     "public history",
			chat:     client.PublicContext(),
			wantPath: "/users/messages/public",
		},
		{
			name:      "private history carries both user ids",
			chat:      client.DirectContext(protocol.UserRef{ID: "u-alice", Username: "alice"}),
			wantPath:  "/users/messages/private",
			wantQuery: map[string]string{"user1Id": "self", "user2Id": "u-alice"},
		},
		{
			name:     "group history",
			chat:     client.GroupContext(protocol.GroupRef{ID: "g-devs", GroupName: "devs"}),
			wantPath: "/users/messages/group/g-devs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.Path)
				for k, v := range tt.wantQuery {
					assert.Equal(t, v, r.URL.Query().Get(k))
				}
				json.NewEncoder(w).Encode([]map[string]interface{}{
					{"id": "m1", "type": "CHAT", "content": "hi", "sender": map[string]string{"id": "u1", "username": "alice"}},
				})
			})

			msgs, err := c.History(context.Background(), tt.chat)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "hi", msgs[0].Content)
			assert.Equal(t, "alice", msgs[0].SenderName)
		})
	}
}

func TestHistorySkipsMalformedEntries(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// The second entry has no sender and fails normalization.
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "m1", "type": "CHAT", "content": "ok", "sender": map[string]string{"id": "u1", "username": "alice"}},
			{"id": "m2", "type": "CHAT", "content": "orphan"},
		})
	})

	msgs, err := c.History(context.Background(), client.PublicContext())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Content)
}

func TestGroupMembersAndAdmin(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/groups/g1/members":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "u1", "username": "alice"},
			})
		case "/groups/g1/isAdmin":
			json.NewEncoder(w).Encode(true)
		default:
			http.NotFound(w, r)
		}
	})

	members, err := c.GroupMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)

	isAdmin, err := c.IsGroupAdmin(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, isAdmin)
}

func TestUnauthorized(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})

	_, err := c.ActiveUsers(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestMissingCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the server without a credential")
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "self", func() (string, bool) { return "", false }, time.Second)
	_, err := c.ActiveUsers(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestServerErrorSurfaced(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.ActiveUsers(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}
