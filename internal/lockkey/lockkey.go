// Package lockkey derives the advisory lock keys that serialize
// balance-affecting operations.  A key is a deterministic 64-bit integer
// hashed from the (warehouse, location, sku) identity; every component
// that needs mutual exclusion for a ledger key derives it here so the
// same stock is always guarded by the same lock.
package lockkey

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// LedgerKey identifies one stock ledger stream for lock derivation.
type LedgerKey struct {
	WarehouseID string
	Location    string
	SKU         string
}

// ForLocation hashes the canonical string
// "stock-lock:{warehouseId}:{location}:{sku}" with SHA-256 and
// reinterprets the first eight bytes as a signed 64-bit integer.  The
// function is pure: identical inputs always yield the identical key.
func ForLocation(warehouseID, location, sku string) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("stock-lock:%s:%s:%s", warehouseID, location, sku)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// ForLocations derives the key for every tuple, deduplicates, and sorts
// ascending.  Callers must acquire locks in exactly this order; acquiring
// multiple keys out of this order breaks the circular-wait avoidance that
// makes multi-key operations deadlock-free.
func ForLocations(keys []LedgerKey) []int64 {
	seen := make(map[int64]struct{}, len(keys))
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		id := ForLocation(k.WarehouseID, k.Location, k.SKU)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
