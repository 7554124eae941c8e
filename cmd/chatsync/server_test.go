package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/querychannels"
	"chatsync/internal/registry"
	"chatsync/pkg/chat/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	server  *Server
	network *mockNetwork
	db      *mockPinger
	probe   *staticProbe
	reg     *registry.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	network := &mockNetwork{}
	db := &mockPinger{}
	probe := &staticProbe{}
	probe.online.Store(true)
	logger := quietLogger()

	reg := registry.New(ctx, registry.Config{
		CurrentUserID: "alice",
		Deps:          channel.Deps{Network: network, Probe: probe, Logger: logger},
		Limits:        channel.DefaultLimits(),
		QueueSize:     8,
	})
	t.Cleanup(reg.Close)

	queries := newQueryBook(reg, nil, querychannels.Deps{Network: network, Probe: probe, Logger: logger},
		models.SyncConfig{ChannelLimit: 10, MessageLimit: 25, MemberLimit: 30})

	return &serverFixture{
		server:  NewServer(models.ServerConfig{}, reg, queries, probe, db, logger),
		network: network,
		db:      db,
		probe:   probe,
		reg:     reg,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func channelFixture(cid string) types.Channel {
	identity, _ := types.ParseCID(cid)
	return types.Channel{CID: cid, Type: identity.Type, ID: identity.ID, MemberCount: 2}
}

func TestServer_HandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		pingErr    error
		wantStatus int
		wantBody   healthResponse
	}{
		{
			name:       "healthy",
			online:     true,
			wantStatus: http.StatusOK,
			wantBody:   healthResponse{Status: "healthy", Online: true, Database: "ok"},
		},
		{
			name:       "offline stream is still healthy",
			online:     false,
			wantStatus: http.StatusOK,
			wantBody:   healthResponse{Status: "healthy", Online: false, Database: "ok"},
		},
		{
			name:       "database unreachable",
			online:     true,
			pingErr:    fmt.Errorf("disk I/O error"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   healthResponse{Status: "unhealthy", Online: true, Database: "unreachable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			f.probe.online.Store(tt.online)
			f.db.On("Ping", mock.Anything).Return(tt.pingErr)

			rec := f.do(t, http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var got healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantBody, got)
		})
	}
}

func TestServer_HandleMetrics(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-cache")
}

func TestServer_WatchChannel(t *testing.T) {
	f := newServerFixture(t)
	f.network.On("QueryChannel", mock.Anything, "messaging", "general", mock.MatchedBy(func(req types.QueryChannelRequest) bool {
		return req.Watch && req.Presence
	})).Return(channelFixture("messaging:general"), nil).Once()

	rec := f.do(t, http.MethodPost, "/channels/messaging:general/watch", `{"message_limit":10,"presence":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ch types.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	assert.Equal(t, "messaging:general", ch.CID)

	rec = f.do(t, http.MethodGet, "/channels", "")
	assert.JSONEq(t, `{"cids":["messaging:general"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/channels/messaging:general", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state channel.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "messaging:general", state.CID)

	f.network.AssertExpectations(t)
}

func TestServer_ChannelErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		setup      func(*mockNetwork)
		wantStatus int
		wantCode   errors.ErrorCode
	}{
		{
			name:       "unknown channel",
			method:     http.MethodGet,
			path:       "/channels/messaging:missing",
			wantStatus: http.StatusNotFound,
			wantCode:   errors.ErrCodeNotFound,
		},
		{
			name:       "malformed cid",
			method:     http.MethodPost,
			path:       "/channels/general/watch",
			wantStatus: http.StatusBadRequest,
			wantCode:   errors.ErrCodeInvalidInput,
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			path:       "/channels/messaging:general/watch",
			body:       `{"message_limit":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   errors.ErrCodeValidationFailed,
		},
		{
			name:   "backend unavailable",
			method: http.MethodPost,
			path:   "/channels/messaging:general/watch",
			setup: func(n *mockNetwork) {
				n.On("QueryChannel", mock.Anything, "messaging", "general", mock.Anything).
					Return(types.Channel{}, errors.NewAPIError("/channels/messaging/general/query", 503, fmt.Errorf("unavailable")))
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   errors.ErrCodeChatAPI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			if tt.setup != nil {
				tt.setup(f.network)
			}

			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp errors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestServer_Queries(t *testing.T) {
	f := newServerFixture(t)
	f.network.On("QueryChannels", mock.Anything, mock.MatchedBy(func(req types.QueryChannelsRequest) bool {
		return req.Offset == 0
	})).Return([]types.Channel{channelFixture("messaging:a"), channelFixture("messaging:b")}, nil).Once()
	f.network.On("QueryChannels", mock.Anything, mock.MatchedBy(func(req types.QueryChannelsRequest) bool {
		return req.Offset > 0
	})).Return([]types.Channel{}, nil).Once()

	body := `{"filter":{"type":"messaging"},"limit":2}`
	rec := f.do(t, http.MethodPost, "/queries", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var first struct {
		ID       string          `json:"id"`
		CIDs     []string        `json:"cids"`
		Channels []types.Channel `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.ID)
	assert.Equal(t, []string{"messaging:a", "messaging:b"}, first.CIDs)
	assert.Len(t, first.Channels, 2)

	rec = f.do(t, http.MethodGet, "/queries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []querySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	rec = f.do(t, http.MethodGet, "/queries/"+first.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/queries/"+first.ID+"/more", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var more queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &more))
	assert.Empty(t, more.Channels)
	assert.True(t, more.EndOfChannels)

	// Same filter and sort reuse the registered controller.
	c, created := f.server.queries.controller(types.Filter{"type": "messaging"}, nil)
	assert.False(t, created)
	assert.Equal(t, first.ID, c.ID())

	rec = f.do(t, http.MethodGet, "/queries/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.network.AssertExpectations(t)
}

func TestRouteTemplate(t *testing.T) {
	f := newServerFixture(t)
	f.db.On("Ping", mock.Anything).Return(nil)

	var seen string
	f.server.router.HandleFunc("/probe/{name}", func(w http.ResponseWriter, r *http.Request) {
		seen = routeTemplate(r)
	})
	f.do(t, http.MethodGet, "/probe/x", "")
	assert.Equal(t, "/probe/{name}", seen)

	assert.Empty(t, routeTemplate(httptest.NewRequest(http.MethodGet, "/", nil)))
}
