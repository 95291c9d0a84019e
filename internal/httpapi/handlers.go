package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

// writeJSON encodes v as the response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("httpapi: encode response failed")
		}
	}
}

// writeError maps err to the status table of spec §7 and writes a
// plain-text body carrying the error kind's message.
func writeError(w http.ResponseWriter, err error) {
	var tErr *traffic.Error
	if !errors.As(err, &tErr) {
		log.Error().Err(err).Msg("httpapi: unmapped error")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch tErr.Kind {
	case traffic.KindBadRequest:
		status = http.StatusBadRequest
	case traffic.KindUnauthorized:
		status = http.StatusUnauthorized
	case traffic.KindNotReady:
		status = http.StatusServiceUnavailable
	case traffic.KindNoServer, traffic.KindPortsExhausted, traffic.KindProvisioningEmpty, traffic.KindInternal:
		status = http.StatusInternalServerError
	}

	log.Warn().Err(tErr).Str("kind", string(tErr.Kind)).Msg("httpapi: request failed")
	http.Error(w, tErr.Error(), status)
}

// decodeStrict decodes a single JSON value from r's body, rejecting unknown
// fields and trailing data (spec §6.1 "Service schema (strict)").
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

// Ping answers GET /ping, unauthenticated (spec §6.1).
func Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "pong")
}

// UpdateTraffic handles POST /v1/traffic (spec §6.1).
func UpdateTraffic(manager *traffic.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := decodeStrict(r, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateUpdateRequest(req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		addrs, err := manager.UpdateTraffic(r.Context(), req.NodeName, req.Service)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, addrs)
	}
}

// DeleteTraffic handles DELETE /v1/traffic (spec §6.1).
func DeleteTraffic(manager *traffic.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		if err := decodeStrict(r, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateDeleteRequest(req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		remoteAddr, err := manager.DeleteTraffic(r.Context(), req.TrafficID)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := struct {
			TrafficID  string            `json:"traffic_id"`
			RemoteAddr map[string]string `json:"remote_addr,omitempty"`
		}{TrafficID: req.TrafficID, RemoteAddr: remoteAddr}
		writeJSON(w, http.StatusOK, resp)
	}
}
