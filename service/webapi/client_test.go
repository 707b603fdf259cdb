package webapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/json/badoption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(log.NewNOPFactory().Logger(), option.WebAPIOptions{
		URL:     server.URL + "/api/",
		Secret:  "secret",
		Timeout: badoption.Duration(time.Second),
	})
	require.NoError(t, err)
	return client
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tunnel/auth", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"valid":false,"error":"Invalid token"}`))
			return
		}
		w.Write([]byte(`{"valid":true,"organizationId":"org","userId":"user","bandwidthLimit":1024,"plan":"pro"}`))
	})
	ctx := context.Background()
	result, err := client.Authenticate(ctx, "good")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, "org", result.OrganizationID)
	require.Equal(t, int64(1024), result.Limit())
	require.Equal(t, "pro", result.Plan)

	result, err = client.Authenticate(ctx, "bad")
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, "Invalid token", result.Error)
	require.Equal(t, bandwidth.Unlimited, result.Limit())
}

func TestServerFailureIsError(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.CheckSubdomain(context.Background(), "demo", "org")
	require.Error(t, err)
}

func TestMalformedResponseIsError(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	})
	_, err := client.VerifyDomain(context.Background(), "example.com", "org")
	require.Error(t, err)
}

func TestUnreachableIsError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client, err := NewClient(log.NewNOPFactory().Logger(), option.WebAPIOptions{URL: server.URL})
	require.NoError(t, err)
	_, err = client.Authenticate(context.Background(), "token")
	require.Error(t, err)
}

func TestRegisterAndCheckSubdomain(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tunnel/check-subdomain":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "org", body["organizationId"])
			w.Write([]byte(`{"allowed":true,"type":"owned"}`))
		case "/api/tunnel/register":
			var registration Registration
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&registration))
			assert.Equal(t, "demo", registration.Subdomain)
			assert.Equal(t, "tcp", registration.Protocol)
			assert.Equal(t, uint16(30001), registration.Port)
			w.Write([]byte(`{"success":true,"tunnelId":"t-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	subdomain, err := client.CheckSubdomain(ctx, "demo", "org")
	require.NoError(t, err)
	require.True(t, subdomain.Allowed)
	require.Equal(t, "owned", subdomain.Type)

	registration, err := client.Register(ctx, Registration{
		Subdomain:      "demo",
		OrganizationID: "org",
		URL:            "tcp://example.com:30001",
		Protocol:       "tcp",
		Port:           30001,
	})
	require.NoError(t, err)
	require.True(t, registration.Success)
	require.Equal(t, "t-1", registration.TunnelID)
}

func TestLocalAPI(t *testing.T) {
	t.Parallel()
	api, err := New(log.NewNOPFactory().Logger(), option.WebAPIOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	auth, err := api.Authenticate(ctx, "anything")
	require.NoError(t, err)
	require.False(t, auth.Valid)
	subdomain, err := api.CheckSubdomain(ctx, "demo", "")
	require.NoError(t, err)
	require.True(t, subdomain.Allowed)
	domain, err := api.VerifyDomain(ctx, "example.com", "")
	require.NoError(t, err)
	require.False(t, domain.Valid)
}

func TestRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()
	_, err := NewClient(log.NewNOPFactory().Logger(), option.WebAPIOptions{URL: "ftp://example.com"})
	require.Error(t, err)
}
