package httpapi

import (
	"fmt"

	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

var validProtocols = map[string]bool{
	traffic.ProtocolTCP:  true,
	traffic.ProtocolUDP:  true,
	traffic.ProtocolSTCP: true,
}

var validAppProtocols = map[string]bool{
	traffic.AppProtocolRaw:  true,
	traffic.AppProtocolHTTP: true,
}

// updateRequest is the strict wire shape of POST /v1/traffic (spec §6.1).
type updateRequest struct {
	NodeName string          `json:"node_name"`
	Service  traffic.Service `json:"service"`
}

// deleteRequest is the wire shape of DELETE /v1/traffic (spec §6.1).
type deleteRequest struct {
	TrafficID string `json:"traffic_id"`
}

// validateUpdateRequest enforces the Service schema (spec §6.1) beyond what
// JSON decoding alone can check: required fields and enum membership.
func validateUpdateRequest(req updateRequest) error {
	if req.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	svc := req.Service
	if svc.Traffic == "" {
		return fmt.Errorf("service.traffic is required")
	}
	if svc.CreatedAt <= 0 {
		return fmt.Errorf("service.created_at must be positive")
	}
	if svc.Lifetime <= 0 {
		return fmt.Errorf("service.lifetime must be positive")
	}
	if len(svc.Ports) == 0 {
		return fmt.Errorf("service.ports must be non-empty")
	}
	for i, p := range svc.Ports {
		if p.Name == "" {
			return fmt.Errorf("ports[%d].name is required", i)
		}
		if p.NodePort <= 0 {
			return fmt.Errorf("ports[%d].node_port must be positive", i)
		}
		if !validProtocols[p.Protocol] {
			return fmt.Errorf("ports[%d].protocol %q is invalid", i, p.Protocol)
		}
		if !validAppProtocols[p.AppProtocol] {
			return fmt.Errorf("ports[%d].app_protocol %q is invalid", i, p.AppProtocol)
		}
	}
	return nil
}

func validateDeleteRequest(req deleteRequest) error {
	if req.TrafficID == "" {
		return fmt.Errorf("traffic_id is required")
	}
	return nil
}
