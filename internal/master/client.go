// Package master is the tunnel-master RPC client (spec §6.2): the four
// proxy-config RPCs the Traffic Manager and Reaper consume, plus login and
// the server/client listing RPCs, all JSON over HTTPS with bearer-token
// auto-refresh.
package master

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
)

// tokenTTL is how long a refreshed token is cached in the KV index under
// token:{master_user} (spec §6.2).
const tokenTTL = 84600 * time.Second

// defaultRate caps how many RPCs per second this client issues against the
// master, so a Reaper sweep over a large index can't hammer it.
const defaultRate rate.Limit = 20

// Client talks to the tunnel master's HTTP API.
type Client struct {
	http       *resty.Client
	idx        kv.Index
	username   string
	password   string
	masterUser string
	limiter    *rate.Limiter
}

// New builds a Client. masterUser is the namespace prefix used to key the
// cached token and to scope CLIENT_ID / server-ID matching (spec §3).
func New(apiBase, username, password, masterUser string, idx kv.Index) *Client {
	return &Client{
		http:       resty.New().SetBaseURL(strings.TrimRight(apiBase, "/") + "/"),
		idx:        idx,
		username:   username,
		password:   password,
		masterUser: masterUser,
		limiter:    rate.NewLimiter(defaultRate, int(defaultRate)+1),
	}
}

// MasterUser returns the namespace prefix this client was constructed with,
// used by callers to build CLIENT_ID values and match server-ID prefixes
// (spec §3).
func (c *Client) MasterUser() string {
	return c.masterUser
}

func (c *Client) tokenKey() string {
	return kv.NewKey("token", c.masterUser).String()
}

// Login authenticates against v1/auth/login and caches the resulting token.
func (c *Client) Login(ctx context.Context) (string, error) {
	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{Username: c.username, Password: c.password}).
		SetResult(&out).
		Post("v1/auth/login")
	if err != nil {
		return "", fmt.Errorf("master: login: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("master: login: status %d", resp.StatusCode())
	}
	if err := c.idx.Set(ctx, c.tokenKey(), out.Token, tokenTTL); err != nil {
		return "", fmt.Errorf("master: cache token: %w", err)
	}
	return out.Token, nil
}

// ensureToken returns a cached token, logging in if none is cached yet.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if tok, ok, err := c.idx.Get(ctx, c.tokenKey()); err != nil {
		return "", fmt.Errorf("master: read cached token: %w", err)
	} else if ok {
		return tok, nil
	}
	return c.Login(ctx)
}

// do executes one authenticated POST, retrying once after a forced re-login
// if the response signals the cached token is no longer valid. Every
// response is also inspected for the out-of-band refresh signals (spec
// §6.2: X-Set-Authorization header, frp-panel-cookie Set-Cookie) so the next
// call already has a fresh token cached.
func (c *Client) do(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("master: rate limit wait: %w", err)
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, token, path, body, out)
	if err != nil {
		return err
	}

	if needsForcedRefresh(resp) {
		_ = c.idx.Del(ctx, c.tokenKey())
		token, err = c.Login(ctx)
		if err != nil {
			return err
		}
		resp, err = c.request(ctx, token, path, body, out)
		if err != nil {
			return err
		}
	}

	c.absorbSideChannelRefresh(ctx, resp)

	if resp.IsError() {
		return fmt.Errorf("master: %s: status %d", path, resp.StatusCode())
	}
	return nil
}

func (c *Client) request(ctx context.Context, token, path string, body, out any) (*resty.Response, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("master: %s: %w", path, err)
	}
	return resp, nil
}

// needsForcedRefresh reports whether resp carries the
// {"code":500,"msg":"token invalid"} envelope that requires a fresh login.
func needsForcedRefresh(resp *resty.Response) bool {
	var env errorEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return false
	}
	return env.signalsTokenRefresh()
}

// absorbSideChannelRefresh caches a replacement token carried on a
// response, without requiring the caller to retry anything.
func (c *Client) absorbSideChannelRefresh(ctx context.Context, resp *resty.Response) {
	if tok := resp.Header().Get("X-Set-Authorization"); tok != "" {
		tok = strings.TrimPrefix(tok, "Bearer ")
		_ = c.idx.Set(ctx, c.tokenKey(), tok, tokenTTL)
		return
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "frp-panel-cookie" && ck.Value != "" {
			_ = c.idx.Set(ctx, c.tokenKey(), ck.Value, tokenTTL)
			return
		}
	}
}

// ListServers returns tunnel servers matching keyword (empty = all).
func (c *Client) ListServers(ctx context.Context, keyword string) ([]Server, error) {
	var out serverListResponse
	if err := c.do(ctx, "v1/server/list", serverListRequest{Page: 1, PageSize: 1000, Keyword: keyword}, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// ListClients returns tunnel-master clients matching keyword. Unused by the
// core traffic lifecycle but kept for interface completeness (spec §6.2).
func (c *Client) ListClients(ctx context.Context, keyword string) ([]ClientInfo, error) {
	var out clientListResponse
	if err := c.do(ctx, "v1/client/list", clientListRequest{Page: 1, PageSize: 1000, Keyword: keyword}, &out); err != nil {
		return nil, err
	}
	return out.Clients, nil
}

// CreateProxyConfig creates (never overwrites — spec §4.3 policy) the given
// proxies under clientID/serverID.
func (c *Client) CreateProxyConfig(ctx context.Context, clientID, serverID string, proxies []WireProxyDetail) error {
	cfgJSON, err := json.Marshal(wireConfig{Proxies: proxies})
	if err != nil {
		return fmt.Errorf("master: marshal config: %w", err)
	}
	req := createProxyConfigRequest{
		ClientID:  clientID,
		ServerID:  serverID,
		Config:    base64.StdEncoding.EncodeToString(cfgJSON),
		Overwrite: false,
	}
	return c.do(ctx, "v1/proxy/create_config", req, nil)
}

// ListProxyConfigs returns proxy configs whose name matches keyword (used
// with the "ret2shell:{traffic_id}:" prefix — spec §4.3 step 4d).
func (c *Client) ListProxyConfigs(ctx context.Context, keyword string) ([]ProxyConfigSummary, error) {
	var out listProxyConfigsResponse
	if err := c.do(ctx, "v1/proxy/list_configs", listProxyConfigsRequest{Page: 1, PageSize: 1000, Keyword: keyword}, &out); err != nil {
		return nil, err
	}
	return out.ProxyConfigs, nil
}

// GetProxyConfig reads back one proxy's live working status (spec §4.3 step 4g).
func (c *Client) GetProxyConfig(ctx context.Context, clientID, serverID, name string) (WorkingStatus, error) {
	var out getProxyConfigResponse
	req := getProxyConfigRequest{ClientID: clientID, ServerID: serverID, Name: name}
	if err := c.do(ctx, "v1/proxy/get_config", req, &out); err != nil {
		return WorkingStatus{}, err
	}
	return out.WorkingStatus, nil
}

// DeleteProxyConfig tears down one proxy. Callers on teardown paths treat
// errors as best-effort (spec §4.3, §4.4, §7).
func (c *Client) DeleteProxyConfig(ctx context.Context, clientID, serverID, name string) error {
	req := deleteProxyConfigRequest{ClientID: clientID, ServerID: serverID, Name: name}
	return c.do(ctx, "v1/proxy/delete_config", req, nil)
}
