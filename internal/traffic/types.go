// Package traffic implements the Traffic Manager (spec §4.3): the public
// surface that coordinates the tunnel-master RPCs, the Port Allocator, and
// the KV Index to materialize, reuse, and tear down proxy configurations.
package traffic

// Protocol values a Port may carry (spec §3).
const (
	ProtocolTCP  = "TCP"
	ProtocolUDP  = "UDP"
	ProtocolSTCP = "STCP"
)

// AppProtocol values a Port may carry (spec §3).
const (
	AppProtocolRaw  = "raw"
	AppProtocolHTTP = "http"
)

// ServiceType values, present on every port after normalization (spec §3).
const (
	ServiceTypeHTTP = "http"
	ServiceTypeTCP  = "tcp"
	ServiceTypeUDP  = "udp"
)

// proxy detail types (spec §3).
const (
	ProxyTypeHTTP = "http"
	ProxyTypeTCP  = "tcp"
	ProxyTypeUDP  = "udp"
)

// Port is one forwarded port inside a Service.
type Port struct {
	Name        string `json:"name"`
	NodePort    int    `json:"node_port"`
	Protocol    string `json:"protocol"`
	AppProtocol string `json:"app_protocol"`
	ServiceType string `json:"service_type,omitempty"`
}

// Service is the caller-supplied input (spec §3).
type Service struct {
	Traffic   string `json:"traffic"`
	CreatedAt int64  `json:"created_at"`
	Lifetime  int64  `json:"lifetime"`
	Ports     []Port `json:"ports"`
}

// ExpireAt returns SVC_EXPIRE_AT = created_at + lifetime, in unix seconds.
func (s Service) ExpireAt() int64 {
	return s.CreatedAt + s.Lifetime
}

// Normalize applies the service_type derivation rule (spec §3): http wins
// when app_protocol is http; otherwise udp or tcp follows protocol. After
// normalization every port carries a concrete, non-empty ServiceType.
func (s Service) Normalize() Service {
	out := s
	out.Ports = make([]Port, len(s.Ports))
	for i, p := range s.Ports {
		p.ServiceType = deriveServiceType(p)
		out.Ports[i] = p
	}
	return out
}

func deriveServiceType(p Port) string {
	switch {
	case p.AppProtocol == AppProtocolHTTP:
		return ServiceTypeHTTP
	case p.Protocol == ProtocolUDP:
		return ServiceTypeUDP
	default:
		return ServiceTypeTCP
	}
}

// ProxyDetail is one proxy entry inside the conf table's config.proxies list
// (spec §3). Subdomain is present iff Type is http; RemotePort is present
// iff Type is tcp/udp.
type ProxyDetail struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	LocalPort  int    `json:"local_port"`
	LocalIP    string `json:"local_ip"`
	Subdomain  string `json:"subdomain,omitempty"`
	RemotePort int    `json:"remote_port,omitempty"`
}

// confValue is the value stored at traffic:{traffic_id}:conf (spec §3).
type confValue struct {
	ClientID string     `json:"client_id"`
	ServerID string     `json:"server_id"`
	Config   confConfig `json:"config"`
}

type confConfig struct {
	Proxies []ProxyDetail `json:"proxies"`
}

// addrValue is the value stored at traffic:{traffic_id}:addr (spec §3).
type addrValue struct {
	RemotePorts []int             `json:"remote_ports"`
	RemoteAddr  map[string]string `json:"remote_addr"`
}

// workingEntry is one element of the JSON array stored at working:{traffic_id}
// (spec §3): the ground truth used to deprovision proxies on the master.
type workingEntry struct {
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
}
