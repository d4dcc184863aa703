// Package httpapi exposes the node's local HTTP ingress: short-text and
// detection injection, key-compromise notification, and the Prometheus
// metrics endpoint.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombiemesh/zombiemesh/internal/zombiegram"
)

// Node is the router handle the HTTP handlers drive. It is injected at
// construction so the handlers hold no back-pointers into router state.
type Node interface {
	Enqueue(priority zombiegram.Priority, payloads ...zombiegram.Payload) error
	TrustKey() []byte
	ClearTrustKey()
	SetTampered(bool)
	SetMaintenance(bool)
	SetPosition(lat, lon float32)
}

// Server routes the ingress endpoints onto a Node.
type Server struct {
	node Node
}

// NewServer returns a Server driving node.
func NewServer(node Node) *Server {
	return &Server{node: node}
}

// Routes builds the HTTP route table.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/usms", s.handleUSMS).Methods(http.MethodPost)
	r.HandleFunc("/key_compromised", s.handleKeyCompromised).Methods(http.MethodPost)
	r.HandleFunc("/fix", s.handleFix).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

type usmsRequest struct {
	Text string `json:"text"`
}

// handleUSMS queues a human text message onto the mesh at high priority.
func (s *Server) handleUSMS(w http.ResponseWriter, r *http.Request) {
	var req usmsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := zombiegram.NewUSMSPayload(req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.node.Enqueue(zombiegram.PriorityHigh, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

// handleKeyCompromised broadcasts a NetworkChange derived from the
// current trust key, then drops the local key. A node with no key set
// has nothing to revoke and the call is a no-op.
func (s *Server) handleKeyCompromised(w http.ResponseWriter, r *http.Request) {
	key := s.node.TrustKey()
	if len(key) == 0 {
		writeOK(w)
		return
	}

	p := zombiegram.NewNetworkChangePayload(key)
	if err := s.node.Enqueue(zombiegram.PriorityNormal, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.node.ClearTrustKey()
	log.Printf("httpapi: trust key revoked, network change queued")
	writeOK(w)
}

type fixRequest struct {
	Confidence  *int     `json:"confidence"`
	HitCounter  *int     `json:"hitcounter"`
	Tampered    *bool    `json:"tampered"`
	GPSLatitude *float32 `json:"gps_latitude"`
	// Key spelling is part of the external contract.
	GPSLongitude *float32 `json:"gps_longtitude"`
	Maintenance  *bool    `json:"maintenance"`
}

// handleFix is the sensor-fix ingress: a detection report and/or local
// flag updates, all fields optional.
func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Tampered != nil {
		s.node.SetTampered(*req.Tampered)
	}
	if req.Maintenance != nil {
		s.node.SetMaintenance(*req.Maintenance)
	}
	if req.GPSLatitude != nil && req.GPSLongitude != nil {
		s.node.SetPosition(*req.GPSLatitude, *req.GPSLongitude)
	}

	if req.Confidence != nil {
		hits := 1
		if req.HitCounter != nil {
			hits = *req.HitCounter
		}
		p, err := zombiegram.NewDetectionPayload(*req.Confidence, hits)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.node.Enqueue(zombiegram.PriorityUrgent, p); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeOK(w)
}
