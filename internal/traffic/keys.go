package traffic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
)

// confKey, addrKey, workingKey, portKey build the three logical tables'
// key shapes (spec §3) via the shared kv.Key builder (spec §9).

func confKey(trafficID string) string {
	return kv.NewKey("traffic", trafficID, "conf").String()
}

func addrKey(trafficID string) string {
	return kv.NewKey("traffic", trafficID, "addr").String()
}

func workingKey(trafficID string) string {
	return kv.NewKey("working", trafficID).String()
}

func portEntryKey(serverID string, port int) string {
	return kv.NewKey("port", serverID, fmt.Sprintf("%d", port)).String()
}

// WorkingKeyPrefix is the "working:" prefix the Reaper strips off a key
// returned by enumerating working:* to recover the traffic_id.
const WorkingKeyPrefix = "working:"

// ParsePortEntryKey recovers (serverID, port) from a "port:{server_id}:{port}"
// key as returned by enumerating port:*:* — the port is always the last
// colon segment, so server_id may itself contain colons (spec §4.4
// sweep_dead_ports).
func ParsePortEntryKey(key string) (serverID string, port int, ok bool) {
	const prefix = "port:"
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(key, prefix)
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return "", 0, false
	}
	p, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], p, true
}

// ClientID returns "{masterUser}.c.{nodeName}" (spec §3).
func ClientID(masterUser, nodeName string) string {
	return masterUser + ".c." + nodeName
}

// ServerIDPrefix returns "{masterUser}.s." — the prefix every acceptable
// tunnel server ID must carry (spec §3, §4.3 step 4a).
func ServerIDPrefix(masterUser string) string {
	return masterUser + ".s."
}

// NodeNameFromServerID strips the ServerIDPrefix, returning the node name
// suffix and whether serverID actually carried the prefix.
func NodeNameFromServerID(masterUser, serverID string) (string, bool) {
	prefix := ServerIDPrefix(masterUser)
	if !strings.HasPrefix(serverID, prefix) {
		return "", false
	}
	return strings.TrimPrefix(serverID, prefix), true
}

// proxyNamePrefix returns "ret2shell:{trafficID}:" — used both to build full
// proxy names and as the list_configs keyword filter (spec §4.3 step 4d).
func proxyNamePrefix(trafficID string) string {
	return "ret2shell:" + trafficID + ":"
}

// GenerateProxyName builds "ret2shell:{trafficID}:{portName}:{nodePort}/{serviceType}"
// (spec §3). trafficID may contain colons; PortKey decodes the name back to
// the port key only when portName is colon-free.
func GenerateProxyName(trafficID string, p Port) string {
	return fmt.Sprintf("%s%s:%d/%s", proxyNamePrefix(trafficID), p.Name, p.NodePort, p.ServiceType)
}

// PortKey recovers "{name}:{node_port}/{service_type}" from a generated
// proxy name by taking the last two ':'-separated segments — this is what
// the generated name's prefix ("ret2shell:{trafficID}:") is guaranteed not
// to disturb, even when trafficID itself contains colons (spec §3, §9,
// "Name round-trip" property in §8). A portName containing colons is not
// recovered whole: only its last segment is kept.
func PortKey(name string) string {
	i := strings.LastIndex(name, ":")
	if i < 0 {
		return name
	}
	j := strings.LastIndex(name[:i], ":")
	if j < 0 {
		return name
	}
	return name[j+1:]
}
