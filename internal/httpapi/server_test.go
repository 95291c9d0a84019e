package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Cnily03/ret2shell-frp-controller/internal/config"
	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
	"github.com/Cnily03/ret2shell-frp-controller/internal/master"
	"github.com/Cnily03/ret2shell-frp-controller/internal/portalloc"
	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

// fakeMaster answers just enough of the tunnel-master API for the http
// handler tests below: login, one configured server, and proxies that are
// immediately "running".
type fakeMaster struct{}

func (fakeMaster) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/v1/server/list":
			_ = json.NewEncoder(w).Encode(struct {
				Total   int             `json:"total"`
				Servers []master.Server `json:"servers"`
			}{Total: 1, Servers: []master.Server{{ID: "mu.s.node1"}}})
		case "/v1/proxy/create_config":
			_ = json.NewEncoder(w).Encode(map[string]any{})
		case "/v1/proxy/list_configs":
			var req struct {
				Keyword string `json:"keyword"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(struct {
				Total        int                          `json:"total"`
				ProxyConfigs []master.ProxyConfigSummary `json:"proxyConfigs"`
			}{Total: 1, ProxyConfigs: []master.ProxyConfigSummary{{Name: req.Keyword + "web:8080/http"}}})
		case "/v1/proxy/get_config":
			var req struct {
				Name string `json:"name"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(struct {
				WorkingStatus master.WorkingStatus `json:"workingStatus"`
			}{WorkingStatus: master.WorkingStatus{Name: req.Name, Status: "running", RemoteAddr: "sub.example.com"}})
		case "/v1/proxy/delete_config":
			_ = json.NewEncoder(w).Encode(map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := kv.NewRedisIndexFromClient(rdb)

	fm := fakeMaster{}
	masterSrv := fm.server()
	t.Cleanup(masterSrv.Close)

	cfg := &config.Config{
		App:    config.App{AuthToken: "secret-token", CleanupInterval: 60},
		Master: config.Master{APIBase: masterSrv.URL, Username: "user", Password: "pass"},
		Server: []config.Server{{NodeName: "node1", PortRange: [2]int{20000, 20010}, RemoteAddr: "example.com"}},
	}
	mc := master.New(masterSrv.URL, cfg.Master.Username, cfg.Master.Password, "mu", idx)
	alloc := portalloc.New(idx)
	manager := traffic.New(idx, alloc, mc, cfg)

	return New(cfg, manager), cfg.App.AuthToken
}

func TestPing_Unauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pong")
}

func TestUpdateTraffic_MissingAuthIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/traffic", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateTraffic_BadSchemaIsRejected(t *testing.T) {
	srv, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/traffic", bytes.NewBufferString(`{"node_name":"node1","service":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTraffic_HappyPathReturnsAddresses(t *testing.T) {
	srv, token := newTestServer(t)

	body := `{
		"node_name": "node1",
		"service": {
			"traffic": "T1",
			"created_at": ` + jsonNow() + `,
			"lifetime": 3600,
			"ports": [{"name":"web","node_port":8080,"protocol":"TCP","app_protocol":"http"}]
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/traffic", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var addrs map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &addrs))
	require.Equal(t, "sub.example.com", addrs["web:8080/http"])
}

func TestDeleteTraffic_RequiresTrafficID(t *testing.T) {
	srv, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/traffic", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
