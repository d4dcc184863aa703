// Package identity bootstraps the stable 32-bit device source_id a node
// signs and routes Zombiegrams under.
//
// The original firmware derives source_id from machine.unique_id(), a
// hardware serial always present on Pycom boards. A portable Go node has
// no such guarantee, so the first boot generates a UUIDv4 and persists its
// low 4 bytes as device_source_id via the config store; every later boot
// reuses the persisted value.
package identity

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/zombiemesh/zombiemesh/internal/config"
)

// Group is the config-store group identity's persisted key lives under.
const Group = "identity"

// SourceIDKey is the config-store key for the bootstrapped source_id.
const SourceIDKey = "device_source_id"

// Bootstrap returns this node's stable source_id, generating and
// persisting one via store on first boot.
func Bootstrap(store *config.Store) (uint32, error) {
	if err := store.Load(Group); err != nil {
		return 0, fmt.Errorf("identity: failed to load persisted id: %w", err)
	}

	if v := store.Get(SourceIDKey, nil); v != nil {
		id, ok := toUint32(v)
		if ok {
			return id, nil
		}
	}

	raw := uuid.New()
	sourceID := binary.BigEndian.Uint32(raw[12:16])

	store.Set(Group, SourceIDKey, float64(sourceID), true, true)
	if err := store.Save(Group); err != nil {
		return 0, fmt.Errorf("identity: failed to persist generated id: %w", err)
	}
	return sourceID, nil
}

// toUint32 normalizes the JSON-roundtripped numeric types Store.Get may
// hand back (float64 after a Load, or a plain uint32 set earlier in the
// same process) into a uint32.
func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	default:
		return 0, false
	}
}
