package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Cnily03/ret2shell-frp-controller/internal/audit"
	"github.com/Cnily03/ret2shell-frp-controller/internal/config"
	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
	"github.com/Cnily03/ret2shell-frp-controller/internal/master"
	"github.com/Cnily03/ret2shell-frp-controller/internal/portalloc"
)

// readinessAttempts and readinessInterval bound the post-create poll against
// the master's get_config RPC (spec §4.3 step 4g).
const (
	readinessAttempts = 5
	readinessInterval = 500 * time.Millisecond
)

// Manager is the Traffic Manager (spec §4.3): the sole writer of the conf,
// addr and working tables, and the sole caller of the Port Allocator and the
// tunnel-master proxy-config RPCs.
//
// Two named locks enforce the engine's concurrency discipline (spec §5).
// cacheMu ("mutex_cache_w") is a single lock across all traffic ids: it
// serializes every UpdateTraffic/DeleteTraffic call and every Reaper per-item
// sweep; portMu ("mutex_port") additionally guards
// the allocate-then-reserve critical section nested inside a create. Lock
// order is always cacheMu before portMu — never the reverse.
type Manager struct {
	idx    kv.Index
	alloc  *portalloc.Allocator
	master *master.Client
	cfg    *config.Config

	cacheMu sync.Mutex
	portMu  sync.Mutex
}

// New builds a Manager over the given collaborators.
func New(idx kv.Index, alloc *portalloc.Allocator, mc *master.Client, cfg *config.Config) *Manager {
	return &Manager{idx: idx, alloc: alloc, master: mc, cfg: cfg}
}

// UpdateTraffic materializes or extends the given service's proxies and
// returns the reachable address for every port, keyed by port key
// "{name}:{node_port}/{service_type}" (spec §4.3).
func (m *Manager) UpdateTraffic(ctx context.Context, nodeName string, svc Service) (map[string]string, error) {
	svc = svc.Normalize()

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	confRaw, confOK, err := m.idx.Get(ctx, confKey(svc.Traffic))
	if err != nil {
		return nil, newErr(KindInternal, "read conf", err)
	}
	addrRaw, addrOK, err := m.idx.Get(ctx, addrKey(svc.Traffic))
	if err != nil {
		return nil, newErr(KindInternal, "read addr", err)
	}

	if confOK && addrOK {
		return m.extend(ctx, svc, addrRaw)
	}
	return m.create(ctx, nodeName, svc)
}

// extend re-expires the existing conf/addr entries in place and returns the
// already-provisioned remote_addr map unchanged (spec §4.3 "extend path").
func (m *Manager) extend(ctx context.Context, svc Service, addrRaw string) (map[string]string, error) {
	ttl := svc.ExpireAt() - nowUnix()

	if err := m.idx.Expire(ctx, confKey(svc.Traffic), secondsToDuration(ttl)); err != nil {
		return nil, newErr(KindInternal, "extend conf", err)
	}
	if err := m.idx.Expire(ctx, addrKey(svc.Traffic), secondsToDuration(ttl)); err != nil {
		return nil, newErr(KindInternal, "extend addr", err)
	}

	if ttl <= 0 {
		audit.Write(audit.Entry{Action: "traffic.extend", ResourceType: "traffic", ResourceID: svc.Traffic, Status: audit.StatusSuccess, Detail: map[string]any{"expired": true}})
		return map[string]string{}, nil
	}

	var addr addrValue
	if err := json.Unmarshal([]byte(addrRaw), &addr); err != nil {
		return nil, newErr(KindInternal, "decode addr", err)
	}
	audit.Write(audit.Entry{Action: "traffic.extend", ResourceType: "traffic", ResourceID: svc.Traffic, Status: audit.StatusSuccess})
	return addr.RemoteAddr, nil
}

// create provisions a brand-new traffic_id: picks a server, allocates ports,
// creates the proxy config on the master, polls for readiness, and writes
// all three tables (spec §4.3 "create path").
func (m *Manager) create(ctx context.Context, nodeName string, svc Service) (map[string]string, error) {
	ttl := svc.ExpireAt() - nowUnix()
	if ttl <= 0 {
		// Late arrival: SVC_EXPIRE_AT is already in the past, so every TTL
		// write this path would make collapses to a delete. Skip the master
		// RPCs and port allocation entirely rather than provision something
		// that is torn down before it can be observed.
		audit.Write(audit.Entry{Action: "traffic.create", ResourceType: "traffic", ResourceID: svc.Traffic, Status: audit.StatusFailed, Detail: map[string]any{"reason": "already expired"}})
		return map[string]string{}, nil
	}

	serverID, srv, err := m.pickServer(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	proxies, allocatedPorts, err := m.reservePorts(ctx, serverID, svc)
	if err != nil {
		return nil, err
	}

	clientID := ClientID(m.master.MasterUser(), nodeName)

	wireProxies := make([]master.WireProxyDetail, len(proxies))
	for i, p := range proxies {
		wireProxies[i] = toWireProxy(p)
	}
	if err := m.master.CreateProxyConfig(ctx, clientID, serverID, wireProxies); err != nil {
		// Best-effort: a transient create-RPC failure is not fatal here. Fall
		// through to the list+check below, which is the real failure-detection
		// path (spec §4.3 step 4d); an update retry or the Reaper's
		// sweep_dead_ports pass repairs anything this leaves dangling.
		log.Warn().Err(err).Str("traffic_id", svc.Traffic).Msg("create proxy config failed, falling through to list check")
	}

	prefix := proxyNamePrefix(svc.Traffic)
	summaries, err := m.master.ListProxyConfigs(ctx, prefix)
	if err != nil {
		return nil, newErr(KindInternal, "list proxy configs", err)
	}
	names := make([]string, 0, len(summaries))
	for _, s := range summaries {
		if strings.HasPrefix(s.Name, prefix) {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return nil, errProvisioningEmpty(svc.Traffic)
	}

	if err := m.writeWorking(ctx, svc.Traffic, clientID, serverID, names); err != nil {
		return nil, err
	}
	if err := m.writeConf(ctx, svc.Traffic, clientID, serverID, proxies, ttl); err != nil {
		return nil, err
	}

	statuses, err := m.pollReady(ctx, clientID, serverID, names)
	if err != nil {
		_, _ = m.deleteTrafficLocked(ctx, svc.Traffic)
		return nil, err
	}

	remoteAddr := buildRemoteAddr(statuses, srv.RemoteAddr)

	if err := m.writeAddr(ctx, svc.Traffic, allocatedPorts, remoteAddr, ttl); err != nil {
		return nil, err
	}

	audit.Write(audit.Entry{Action: "traffic.create", ResourceType: "traffic", ResourceID: svc.Traffic, Status: audit.StatusSuccess, Detail: map[string]any{"server_id": serverID, "ports": len(proxies)}})
	return remoteAddr, nil
}

// pickServer lists tunnel servers, filters to the ones both carrying the
// master-user prefix and locally configured, and picks uniformly among them
// (spec §4.3 step 4a).
func (m *Manager) pickServer(ctx context.Context, nodeName string) (string, config.Server, error) {
	servers, err := m.master.ListServers(ctx, "")
	if err != nil {
		return "", config.Server{}, newErr(KindInternal, "list servers", err)
	}

	configured := m.cfg.NodeNames()
	prefix := ServerIDPrefix(m.master.MasterUser())

	var matches []string
	for _, s := range servers {
		if !strings.HasPrefix(s.ID, prefix) {
			continue
		}
		node, ok := NodeNameFromServerID(m.master.MasterUser(), s.ID)
		if !ok {
			continue
		}
		if _, known := configured[node]; known {
			matches = append(matches, s.ID)
		}
	}
	if len(matches) == 0 {
		return "", config.Server{}, errNoServer()
	}

	chosen := matches[rand.Intn(len(matches))]
	node, _ := NodeNameFromServerID(m.master.MasterUser(), chosen)
	srv := configured[node]
	_ = nodeName // the caller's requested node is advisory; server selection is prefix/config driven (spec §4.3 step 4a)
	return chosen, srv, nil
}

// reservePorts builds the ProxyDetail list for svc under portMu, allocating
// remote ports for every non-http port and generating a fresh subdomain for
// every http port, then reserves the allocated ports in the KV Index before
// releasing the lock (spec §4.2, §4.3 step 4c).
func (m *Manager) reservePorts(ctx context.Context, serverID string, svc Service) ([]ProxyDetail, []int, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	srv, ok := m.cfg.NodeNames()[mustNode(m.master.MasterUser(), serverID)]
	if !ok {
		return nil, nil, newErr(KindNoServer, "server "+serverID+" is not locally configured", nil)
	}

	needed := 0
	for _, p := range svc.Ports {
		if p.ServiceType != ServiceTypeHTTP {
			needed++
		}
	}

	var allocated []int
	if needed > 0 {
		var err error
		allocated, err = m.alloc.Allocate(ctx, serverID, srv.PortRange[0], srv.PortRange[1], needed)
		if err != nil {
			return nil, nil, newErr(KindPortsExhausted, "allocate ports", err)
		}
	}

	proxies := make([]ProxyDetail, len(svc.Ports))
	next := 0
	for i, p := range svc.Ports {
		switch p.ServiceType {
		case ServiceTypeHTTP:
			proxies[i] = ProxyDetail{
				Name:      GenerateProxyName(svc.Traffic, p),
				Type:      ProxyTypeHTTP,
				LocalPort: p.NodePort,
				LocalIP:   "127.0.0.1",
				Subdomain: GenerateSubdomain(mustNode(m.master.MasterUser(), serverID)),
			}
		default:
			remotePort := allocated[next]
			next++
			proxies[i] = ProxyDetail{
				Name:       GenerateProxyName(svc.Traffic, p),
				Type:       p.ServiceType,
				LocalPort:  p.NodePort,
				LocalIP:    "127.0.0.1",
				RemotePort: remotePort,
			}
		}
	}

	for _, p := range allocated {
		if err := m.idx.Set(ctx, portEntryKey(serverID, p), svc.Traffic, 0); err != nil {
			return nil, nil, newErr(KindInternal, "reserve port", err)
		}
	}

	return proxies, allocated, nil
}

func (m *Manager) writeWorking(ctx context.Context, trafficID, clientID, serverID string, names []string) error {
	entries := make([]workingEntry, len(names))
	for i, n := range names {
		entries[i] = workingEntry{ClientID: clientID, ServerID: serverID, Name: n}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return newErr(KindInternal, "encode working", err)
	}
	if err := m.idx.Set(ctx, workingKey(trafficID), string(raw), 0); err != nil {
		return newErr(KindInternal, "write working", err)
	}
	return nil
}

func (m *Manager) writeConf(ctx context.Context, trafficID, clientID, serverID string, proxies []ProxyDetail, ttl int64) error {
	cv := confValue{ClientID: clientID, ServerID: serverID, Config: confConfig{Proxies: proxies}}
	raw, err := json.Marshal(cv)
	if err != nil {
		return newErr(KindInternal, "encode conf", err)
	}
	if err := m.idx.Set(ctx, confKey(trafficID), string(raw), secondsToDuration(ttl)); err != nil {
		return newErr(KindInternal, "write conf", err)
	}
	return nil
}

func (m *Manager) writeAddr(ctx context.Context, trafficID string, ports []int, remoteAddr map[string]string, ttl int64) error {
	av := addrValue{RemotePorts: ports, RemoteAddr: remoteAddr}
	raw, err := json.Marshal(av)
	if err != nil {
		return newErr(KindInternal, "encode addr", err)
	}
	if err := m.idx.Set(ctx, addrKey(trafficID), string(raw), secondsToDuration(ttl)); err != nil {
		return newErr(KindInternal, "write addr", err)
	}
	return nil
}

// pollReady polls get_config up to readinessAttempts times, readinessInterval
// apart, until every named proxy reports status "running" (spec §4.3 step 4g).
func (m *Manager) pollReady(ctx context.Context, clientID, serverID string, names []string) (map[string]master.WorkingStatus, error) {
	var last map[string]master.WorkingStatus
	for attempt := 0; attempt < readinessAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, newErr(KindInternal, "readiness poll", ctx.Err())
			case <-time.After(readinessInterval):
			}
		}

		statuses := make(map[string]master.WorkingStatus, len(names))
		allRunning := true
		for _, name := range names {
			ws, err := m.master.GetProxyConfig(ctx, clientID, serverID, name)
			if err != nil {
				allRunning = false
				continue
			}
			statuses[name] = ws
			if ws.Status != "running" {
				allRunning = false
			}
		}
		last = statuses
		if allRunning {
			return statuses, nil
		}
	}
	return last, errNotReady(extractTrafficID(names))
}

// buildRemoteAddr derives the caller-facing address for each proxy: the
// master's reported address as-is for http proxies, or
// "{server.remote_addr}:{port}" for tcp/udp, where port is the last
// ':'-separated segment of the master's reported address (spec §4.3 step 4h).
func buildRemoteAddr(statuses map[string]master.WorkingStatus, serverRemoteAddr string) map[string]string {
	out := make(map[string]string, len(statuses))
	for name, ws := range statuses {
		portKey := PortKey(name)
		serviceType := serviceTypeFromProxyName(name)
		if serviceType == ServiceTypeHTTP {
			out[portKey] = ws.RemoteAddr
			continue
		}
		out[portKey] = fmt.Sprintf("%s:%s", serverRemoteAddr, lastSegment(ws.RemoteAddr, ':'))
	}
	return out
}

// DeleteTraffic tears down a traffic_id: deletes conf, addr, and the ports
// it held, and best-effort asks the master to delete every proxy listed in
// working — but never deletes working itself (spec §4.3 step 4i, §4.4).
func (m *Manager) DeleteTraffic(ctx context.Context, trafficID string) (map[string]string, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.deleteTrafficLocked(ctx, trafficID)
}

// deleteTrafficLocked is DeleteTraffic's body, callable from within create
// (spec §4.3 step 4i's compensating delete) where cacheMu is already held.
func (m *Manager) deleteTrafficLocked(ctx context.Context, trafficID string) (map[string]string, error) {
	confRaw, confOK, err := m.idx.Get(ctx, confKey(trafficID))
	if err != nil {
		return nil, newErr(KindInternal, "read conf", err)
	}
	addrRaw, addrOK, err := m.idx.Get(ctx, addrKey(trafficID))
	if err != nil {
		return nil, newErr(KindInternal, "read addr", err)
	}
	workingRaw, workingOK, err := m.idx.Get(ctx, workingKey(trafficID))
	if err != nil {
		return nil, newErr(KindInternal, "read working", err)
	}

	var conf confValue
	if confOK {
		_ = json.Unmarshal([]byte(confRaw), &conf)
	}
	var addr addrValue
	if addrOK {
		_ = json.Unmarshal([]byte(addrRaw), &addr)
	}
	var working []workingEntry
	if workingOK {
		_ = json.Unmarshal([]byte(workingRaw), &working)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.idx.Del(ctx, confKey(trafficID)); err != nil {
			log.Warn().Err(err).Str("traffic_id", trafficID).Msg("delete conf failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.idx.Del(ctx, addrKey(trafficID)); err != nil {
			log.Warn().Err(err).Str("traffic_id", trafficID).Msg("delete addr failed")
		}
	}()

	if confOK {
		for _, p := range addr.RemotePorts {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.idx.Del(ctx, portEntryKey(conf.ServerID, p)); err != nil {
					log.Warn().Err(err).Str("traffic_id", trafficID).Int("port", p).Msg("release port failed")
				}
			}()
		}
	}

	for _, w := range working {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.master.DeleteProxyConfig(ctx, w.ClientID, w.ServerID, w.Name); err != nil {
				log.Warn().Err(err).Str("traffic_id", trafficID).Str("proxy", w.Name).Msg("delete proxy config failed")
			}
		}()
	}

	wg.Wait()

	audit.Write(audit.Entry{Action: "traffic.delete", ResourceType: "traffic", ResourceID: trafficID, Status: audit.StatusSuccess})

	if !addrOK {
		return nil, nil
	}
	return addr.RemoteAddr, nil
}

// SweepDeadTrafficItem processes one working:{traffic_id} entry for the
// Reaper's sweep_dead_traffic pass (spec §4.4). If working fails to parse,
// or conf is absent, working (and conf/addr, idempotently) are deleted; when
// conf was absent the proxies working named are also torn down on the
// master, converting an expired conf TTL into a real teardown.
func (m *Manager) SweepDeadTrafficItem(ctx context.Context, trafficID string) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	workingRaw, workingOK, err := m.idx.Get(ctx, workingKey(trafficID))
	if err != nil {
		return newErr(KindInternal, "read working", err)
	}
	if !workingOK {
		return nil
	}

	var working []workingEntry
	parseErr := json.Unmarshal([]byte(workingRaw), &working)

	_, confOK, err := m.idx.Get(ctx, confKey(trafficID))
	if err != nil {
		return newErr(KindInternal, "read conf", err)
	}

	if parseErr == nil && confOK {
		return nil // still anchored, leave alone
	}

	if parseErr == nil {
		for _, w := range working {
			if err := m.master.DeleteProxyConfig(ctx, w.ClientID, w.ServerID, w.Name); err != nil {
				log.Warn().Err(err).Str("traffic_id", trafficID).Str("proxy", w.Name).Msg("sweep: delete proxy config failed")
			}
		}
	}

	if err := m.idx.Del(ctx, workingKey(trafficID)); err != nil {
		log.Warn().Err(err).Str("traffic_id", trafficID).Msg("sweep: delete working failed")
	}
	if err := m.idx.Del(ctx, confKey(trafficID)); err != nil {
		log.Warn().Err(err).Str("traffic_id", trafficID).Msg("sweep: delete conf failed")
	}
	if err := m.idx.Del(ctx, addrKey(trafficID)); err != nil {
		log.Warn().Err(err).Str("traffic_id", trafficID).Msg("sweep: delete addr failed")
	}
	return nil
}

// SweepDeadPortItem processes one port:{server_id}:{port} entry for the
// Reaper's sweep_dead_ports pass (spec §4.4): the port is reclaimed once its
// anchoring working entry is gone, or immediately if the value is garbage.
func (m *Manager) SweepDeadPortItem(ctx context.Context, serverID string, port int) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	key := portEntryKey(serverID, port)
	trafficID, ok, err := m.idx.Get(ctx, key)
	if err != nil {
		return newErr(KindInternal, "read port entry", err)
	}
	if !ok {
		return nil
	}
	if trafficID == "" {
		return m.idx.Del(ctx, key)
	}

	_, workingOK, err := m.idx.Get(ctx, workingKey(trafficID))
	if err != nil {
		return newErr(KindInternal, "read working", err)
	}
	if !workingOK {
		return m.idx.Del(ctx, key)
	}
	return nil
}

func toWireProxy(p ProxyDetail) master.WireProxyDetail {
	return master.WireProxyDetail{
		Name:       p.Name,
		Type:       p.Type,
		LocalPort:  p.LocalPort,
		LocalIP:    p.LocalIP,
		Subdomain:  p.Subdomain,
		RemotePort: p.RemotePort,
	}
}

func serviceTypeFromProxyName(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func lastSegment(s string, sep byte) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[i+1:]
		}
	}
	return s
}

func mustNode(masterUser, serverID string) string {
	node, _ := NodeNameFromServerID(masterUser, serverID)
	return node
}

func extractTrafficID(names []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := strings.SplitN(names[0], ":", 3)
	if len(parts) < 2 {
		return names[0]
	}
	return parts[1]
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

func nowUnix() int64 {
	return time.Now().Unix()
}
