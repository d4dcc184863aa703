// Package gateway implements the webhook bridge: Zombiegrams that pass
// the receive classifier on a gateway node (or are sent by it) are
// serialized to JSON and POSTed to each configured webhook URL
// independently. A webhook failure never cancels the other hooks and
// never blocks mesh forwarding.
package gateway

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/zombiemesh/zombiemesh/internal/metrics"
	"github.com/zombiemesh/zombiemesh/internal/zombiegram"
)

// defaultTimeout bounds every webhook POST so a dead endpoint cannot
// stall the fan-out.
const defaultTimeout = 5 * time.Second

// WebhookSource provides the currently configured webhook URLs; the
// config layer satisfies it. Reading per-Publish keeps the bridge live
// against config changes without a restart.
type WebhookSource interface {
	Webhooks() []string
}

// Auditor records bridged messages durably. audit.Log satisfies it.
type Auditor interface {
	Record(sourceID uint32, seqNum uint8, priority uint8, trusted bool, opcodes []uint8) error
}

// Bridge fans verified mesh traffic out to HTTP webhooks.
type Bridge struct {
	cfg     WebhookSource
	client  *http.Client
	auditor Auditor // optional
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAuditor attaches a durable audit log to the bridge.
func WithAuditor(a Auditor) Option {
	return func(b *Bridge) { b.auditor = a }
}

// WithTimeout overrides the per-request webhook timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.client.Timeout = d }
}

// New constructs a Bridge reading webhook URLs from cfg.
func New(cfg WebhookSource, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish serializes zg and POSTs it to every configured webhook. Each
// hook is attempted independently; failures are logged and counted but
// never propagate to the caller.
func (b *Bridge) Publish(zg *zombiegram.Zombiegram, trustKey []byte) {
	doc := Serialize(zg, trustKey)
	body, err := json.Marshal(doc)
	if err != nil {
		log.Printf("gateway: failed to marshal zombiegram from source %d: %v", zg.SourceID(), err)
		return
	}

	metrics.MessagesBridged.Inc()

	if b.auditor != nil {
		opcodes := make([]uint8, 0, len(zg.Payloads()))
		for _, p := range zg.Payloads() {
			opcodes = append(opcodes, uint8(p.Opcode()))
		}
		if err := b.auditor.Record(zg.SourceID(), zg.SeqNum(), uint8(zg.Priority()), doc.Trusted, opcodes); err != nil {
			log.Printf("gateway: audit record failed: %v", err)
		}
	}

	for _, url := range b.cfg.Webhooks() {
		b.post(url, body)
	}
}

func (b *Bridge) post(url string, body []byte) {
	resp, err := b.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		metrics.WebhookPosts.WithLabelValues("error").Inc()
		log.Printf("gateway: webhook %s unreachable: %v", url, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.WebhookPosts.WithLabelValues("error").Inc()
		log.Printf("gateway: webhook %s returned status %d", url, resp.StatusCode)
		return
	}
	metrics.WebhookPosts.WithLabelValues("ok").Inc()
}

// Document is the JSON form of a bridged Zombiegram.
type Document struct {
	SourceID    uint32           `json:"source_id"`
	Priority    uint8            `json:"priority"`
	Tampered    bool             `json:"tampered"`
	Maintenance bool             `json:"maintenance"`
	Trusted     bool             `json:"trusted"`
	Payloads    []map[string]any `json:"payloads"`
}

// Serialize converts zg into its webhook JSON document; trusted is the
// result of verifying zg against trustKey.
func Serialize(zg *zombiegram.Zombiegram, trustKey []byte) Document {
	doc := Document{
		SourceID:    zg.SourceID(),
		Priority:    uint8(zg.Priority()),
		Tampered:    zg.Tampered(),
		Maintenance: zg.Maintenance(),
		Trusted:     zg.IsTrusted(trustKey),
		Payloads:    []map[string]any{},
	}
	for _, p := range zg.Payloads() {
		doc.Payloads = append(doc.Payloads, serializePayload(p))
	}
	return doc
}

func serializePayload(p zombiegram.Payload) map[string]any {
	switch v := p.(type) {
	case *zombiegram.AckPayload:
		return map[string]any{
			"source_id": v.SourceID,
			"seq_num":   v.SeqNum,
		}
	case *zombiegram.DetectionPayload:
		return map[string]any{
			"confidence_percentage": v.Confidence,
			"hitcounter":            v.HitCounter,
		}
	case *zombiegram.USMSPayload:
		return map[string]any{
			"ascii_text": v.Text,
		}
	case *zombiegram.DiagnosticPayload:
		return map[string]any{
			"gps_coordinates": []float32{v.Latitude, v.Longitude},
			"best_neighbors":  v.Neighbors(),
			"battery_status":  v.Battery,
			"network_role":    uint8(v.NetworkRole),
			"is_sensor":       v.IsSensor,
			"is_router":       v.IsRouter,
			"is_gateway":      v.IsGateway,
			"sensor_id":       v.SensorID,
		}
	default:
		// NetworkChange carries no externally useful fields.
		return map[string]any{}
	}
}
