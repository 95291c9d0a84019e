package master

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := kv.NewRedisIndexFromClient(rdb)
	return New(baseURL, "user", "pass", "user", idx)
}

func TestClient_LoginCachesToken(t *testing.T) {
	var loginCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			loginCalls++
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok-1"})
		case "/v1/server/list":
			_ = json.NewEncoder(w).Encode(serverListResponse{Total: 1, Servers: []Server{{ID: "srv1"}}})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	servers, err := c.ListServers(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []Server{{ID: "srv1"}}, servers)

	_, err = c.ListServers(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, loginCalls, "second call must reuse the cached token")
}

func TestClient_ForcedRefreshOnTokenInvalid(t *testing.T) {
	var loginCalls, listCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			loginCalls++
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok-fresh"})
		case "/v1/server/list":
			listCalls++
			if listCalls == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(errorEnvelope{Code: 500, Msg: "token invalid"})
				return
			}
			_ = json.NewEncoder(w).Encode(serverListResponse{Total: 1, Servers: []Server{{ID: "srv1"}}})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	// Pre-seed a stale token so the first call uses it and gets rejected.
	require.NoError(t, c.idx.Set(context.Background(), c.tokenKey(), "stale", 0))

	servers, err := c.ListServers(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []Server{{ID: "srv1"}}, servers)
	require.Equal(t, 1, loginCalls)
	require.Equal(t, 2, listCalls)
}

func TestClient_SideChannelRefreshUpdatesCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/proxy/list_configs" {
			w.Header().Set("X-Set-Authorization", "tok-rotated")
			_ = json.NewEncoder(w).Encode(listProxyConfigsResponse{})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, c.idx.Set(ctx, c.tokenKey(), "tok-old", 0))

	_, err := c.ListProxyConfigs(ctx, "ret2shell:T1:")
	require.NoError(t, err)

	tok, ok, err := c.idx.Get(ctx, c.tokenKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-rotated", tok)
}

func TestClient_CreateProxyConfigBase64EncodesPayload(t *testing.T) {
	var captured createProxyConfigRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok"})
		case "/v1/proxy/create_config":
			_ = json.NewDecoder(r.Body).Decode(&captured)
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	proxies := []WireProxyDetail{{Name: "p1", Type: "http", LocalPort: 8080, LocalIP: "127.0.0.1", Subdomain: "sub"}}

	err := c.CreateProxyConfig(context.Background(), "u.c.node1", "u.s.srv1", proxies)
	require.NoError(t, err)
	require.False(t, captured.Overwrite)

	decoded, err := decodeConfig(captured.Config)
	require.NoError(t, err)
	require.Equal(t, proxies, decoded.Proxies)
}

func decodeConfig(b64Str string) (wireConfig, error) {
	var cfg wireConfig
	raw, err := base64.StdEncoding.DecodeString(b64Str)
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(raw, &cfg)
	return cfg, err
}
