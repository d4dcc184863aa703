package config

// NodeConfig exposes the subset of the keyed store the router core and
// its collaborators read and write: device_trust_key,
// device_is_gateway, device_is_router, lora_tampered_flag,
// lora_maintenance_flag, gateway_webhook_1..3, device_position. It has no
// explicit "implements router.ConfigAccessor" declaration; satisfaction
// is structural, so this package never imports router and
// stays a leaf collaborator injected at startup.
type NodeConfig struct {
	store *Store
	group string
}

// NewNodeConfig wraps store, persisting changes under group (typically
// "device").
func NewNodeConfig(store *Store, group string) *NodeConfig {
	return &NodeConfig{store: store, group: group}
}

func (n *NodeConfig) IsGateway() bool {
	return asBool(n.store.Get("device_is_gateway", false))
}

func (n *NodeConfig) IsRouter() bool {
	return asBool(n.store.Get("device_is_router", false))
}

func (n *NodeConfig) Tampered() bool {
	return asBool(n.store.Get("lora_tampered_flag", false))
}

func (n *NodeConfig) SetTampered(v bool) {
	n.store.Set(n.group, "lora_tampered_flag", v, true, true)
}

func (n *NodeConfig) Maintenance() bool {
	return asBool(n.store.Get("lora_maintenance_flag", false))
}

func (n *NodeConfig) SetMaintenance(v bool) {
	n.store.Set(n.group, "lora_maintenance_flag", v, true, true)
}

func (n *NodeConfig) TrustKey() []byte {
	v := n.store.Get("device_trust_key", nil)
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return []byte(s)
}

func (n *NodeConfig) SetTrustKey(key []byte) {
	n.store.Set(n.group, "device_trust_key", string(key), true, true)
	_ = n.store.Save(n.group)
}

func (n *NodeConfig) ClearTrustKey() {
	n.store.Set(n.group, "device_trust_key", "", true, true)
	_ = n.store.Save(n.group)
}

// Webhooks returns the configured gateway_webhook_1..3 URLs, in order,
// skipping any left unset.
func (n *NodeConfig) Webhooks() []string {
	var out []string
	for _, key := range []string{"gateway_webhook_1", "gateway_webhook_2", "gateway_webhook_3"} {
		v := n.store.Get(key, "")
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Position returns the last known device GPS position, if any. The
// stored value is either the [2]float32 set in-process or the []any of
// float64s a JSON load hands back.
func (n *NodeConfig) Position() (lat, lon float32, ok bool) {
	switch v := n.store.Get("device_position", nil).(type) {
	case [2]float32:
		return v[0], v[1], true
	case []any:
		if len(v) != 2 {
			return 0, 0, false
		}
		la, okLat := v[0].(float64)
		lo, okLon := v[1].(float64)
		if !okLat || !okLon {
			return 0, 0, false
		}
		return float32(la), float32(lo), true
	}
	return 0, 0, false
}

func (n *NodeConfig) SetPosition(lat, lon float32) {
	n.store.Set(n.group, "device_position", [2]float32{lat, lon}, true, true)
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
