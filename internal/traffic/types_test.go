package traffic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_HTTPWinsRegardlessOfProtocol(t *testing.T) {
	svc := Service{Ports: []Port{
		{Name: "web", Protocol: ProtocolTCP, AppProtocol: AppProtocolHTTP},
		{Name: "web-udp", Protocol: ProtocolUDP, AppProtocol: AppProtocolHTTP},
	}}
	out := svc.Normalize()
	require.Equal(t, ServiceTypeHTTP, out.Ports[0].ServiceType)
	require.Equal(t, ServiceTypeHTTP, out.Ports[1].ServiceType)
}

func TestNormalize_UDPWhenNotHTTP(t *testing.T) {
	svc := Service{Ports: []Port{
		{Name: "dns", Protocol: ProtocolUDP, AppProtocol: AppProtocolRaw},
	}}
	out := svc.Normalize()
	require.Equal(t, ServiceTypeUDP, out.Ports[0].ServiceType)
}

func TestNormalize_TCPIsDefault(t *testing.T) {
	svc := Service{Ports: []Port{
		{Name: "ssh", Protocol: ProtocolTCP, AppProtocol: AppProtocolRaw},
		{Name: "stcp", Protocol: ProtocolSTCP, AppProtocol: AppProtocolRaw},
	}}
	out := svc.Normalize()
	require.Equal(t, ServiceTypeTCP, out.Ports[0].ServiceType)
	require.Equal(t, ServiceTypeTCP, out.Ports[1].ServiceType)
}

func TestNormalize_IsTotal(t *testing.T) {
	// Every combination of Protocol x AppProtocol must derive a concrete,
	// non-empty ServiceType (spec §8 "Normalization total function").
	protocols := []string{ProtocolTCP, ProtocolUDP, ProtocolSTCP}
	appProtocols := []string{AppProtocolRaw, AppProtocolHTTP}

	for _, proto := range protocols {
		for _, app := range appProtocols {
			svc := Service{Ports: []Port{{Name: "p", Protocol: proto, AppProtocol: app}}}
			out := svc.Normalize().Ports[0]
			require.NotEmpty(t, out.ServiceType, "protocol=%s app_protocol=%s", proto, app)
		}
	}
}

func TestExpireAt(t *testing.T) {
	svc := Service{CreatedAt: 1000, Lifetime: 60}
	require.Equal(t, int64(1060), svc.ExpireAt())
}
