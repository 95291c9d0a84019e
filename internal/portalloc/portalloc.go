// Package portalloc implements the Port Allocator (spec §4.2): picking free
// remote ports for a tunnel server out of a configured inclusive range,
// using the KV Index as the sole source of truth for occupancy.
//
// Allocate does not reserve the ports it returns — reservation happens in
// the Traffic Manager's mutex_port critical section, which covers the
// allocation and the port-key writes, so two concurrent allocators racing on
// the same gap cannot both win it (spec §4.2, §4.3 step 4c). The
// tunnel-master proxy creation runs after that section is released, not
// inside it.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
)

// ErrPortsExhausted is returned when fewer than count free ports exist in
// the requested range.
var ErrPortsExhausted = errors.New("portalloc: no free ports in range")

// Allocator allocates remote ports against a kv.Index.
type Allocator struct {
	idx kv.Index
	// rng is overridable in tests for deterministic scans (NewSeeded);
	// New seeds it from the current time.
	rng *rand.Rand
}

// New builds an Allocator backed by idx.
func New(idx kv.Index) *Allocator {
	return &Allocator{idx: idx, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewSeeded builds an Allocator with a fixed seed, for deterministic tests.
func NewSeeded(idx kv.Index, seed int64) *Allocator {
	return &Allocator{idx: idx, rng: rand.New(rand.NewSource(seed))}
}

// portKey returns the occupancy key for one (serverID, port) pair.
func portKey(serverID string, port int) string {
	return kv.NewKey("port", serverID, strconv.Itoa(port)).String()
}

// Allocate returns count distinct ports in [lo, hi] that currently have no
// port:{serverID}:{p} key, or ErrPortsExhausted if fewer than count are
// free (spec §4.2).
//
// Algorithm: enumerate the occupied set, draw a uniform random starting
// point r in [lo, hi], scan upward from r to hi collecting free ports, then
// — if still short — scan downward from r-1 to lo. The random seed is the
// only source of nondeterminism; the two linear scans keep the worst case
// O(range) and the common case O(count).
func (a *Allocator) Allocate(ctx context.Context, serverID string, lo, hi, count int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	if lo > hi {
		return nil, fmt.Errorf("portalloc: invalid range [%d,%d]", lo, hi)
	}

	occupied, err := a.occupied(ctx, serverID)
	if err != nil {
		return nil, err
	}

	r := lo + a.rng.Intn(hi-lo+1)

	result := make([]int, 0, count)
	for p := r; p <= hi && len(result) < count; p++ {
		if !occupied[p] {
			result = append(result, p)
		}
	}
	for p := r - 1; p >= lo && len(result) < count; p-- {
		if !occupied[p] {
			result = append(result, p)
		}
	}

	if len(result) < count {
		return nil, ErrPortsExhausted
	}
	return result, nil
}

// occupied enumerates port:{serverID}:* and extracts the numeric suffix of
// each key into a set.
func (a *Allocator) occupied(ctx context.Context, serverID string) (map[int]bool, error) {
	keys, err := a.idx.Keys(ctx, kv.NewKey("port", serverID, "*").String())
	if err != nil {
		return nil, fmt.Errorf("portalloc: enumerate occupancy: %w", err)
	}

	out := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := lastColon(k)
		if i < 0 {
			continue
		}
		p, err := strconv.Atoi(k[i+1:])
		if err != nil {
			continue
		}
		out[p] = true
	}
	return out, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
