// Package anonymize implements the IP anonymiser (spec §4.3): a
// directory-scoped, deterministic pseudonymisation table plus the per-packet
// rewrite logic that keeps checksums and lengths invariant.
package anonymize

import (
	"encoding/json"
	"net/netip"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zhangyunhao116/skipmap"

	"github.com/pktmask/pktmask/internal/pcapio"
)

// IpMap is the directory-scoped anonymisation table (spec §3). It is built
// once during the directory pre-scan, then shared across concurrent file
// workers (spec §5: "IpMap ... safely shareable across file workers without
// locking" once frozen). The mapping itself is a skipmap.StringMap, which
// gives workers lock-free concurrent Lookup reads during directory mode,
// the same concurrent-map role it plays for the teacher's per-flow tables
// in flow_mutex.go.
type IpMap struct {
	mu       sync.Mutex // held only during the pre-scan build phase
	strategy Strategy
	mapping  *skipmap.StringMap[netip.Addr]
	used     mapset.Set[netip.Addr]
	frozen   bool

	// Frequency statistics, informational only (spec §4.3: "never affect
	// mapping outputs").
	frequency map[netip.Addr]uint64
}

func NewIpMap(method Method, ipv4Prefix, ipv6Prefix int, key []byte) *IpMap {
	var strat Strategy
	switch method {
	case MethodRandom:
		strat = &Random{}
	case MethodHash:
		strat = &Hash{Key: key}
	default:
		strat = &PrefixPreserving{Key: key, IPv4Prefix: ipv4Prefix, IPv6Prefix: ipv6Prefix}
	}
	return &IpMap{
		strategy:  strat,
		mapping:   skipmap.NewString[netip.Addr](),
		used:      mapset.NewThreadUnsafeSet[netip.Addr](),
		frequency: make(map[netip.Addr]uint64),
	}
}

// Observe records one sighting of addr during the pre-scan, assigning it a
// pseudonym on first sight. Safe to call only before Freeze.
func (m *IpMap) Observe(addr netip.Addr) netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr = addr.Unmap()
	m.frequency[addr]++
	if p, ok := m.mapping.Load(addr.String()); ok {
		return p
	}
	p := m.strategy.Pseudonymize(addr, m.used)
	m.mapping.Store(addr.String(), p)
	m.used.Add(p)
	return p
}

// Freeze marks the map read-only; subsequent Lookup calls are safe for
// concurrent use across file workers without locking.
func (m *IpMap) Freeze() { m.frozen = true }

// Lookup returns the pseudonym for addr, which must already have been
// Observe()'d during the pre-scan (spec §5: pre-scan completes before any
// per-file run starts).
func (m *IpMap) Lookup(addr netip.Addr) (netip.Addr, bool) {
	return m.mapping.Load(addr.Unmap().String())
}

// UniqueAddresses returns the number of distinct addresses observed across
// the whole directory pre-scan.
func (m *IpMap) UniqueAddresses() int { return m.mapping.Len() }

// exportEntry is the JSON-on-disk shape for IpMap.Export/Import (SPEC_FULL
// §11: "IP map persistence hook").
type exportEntry struct {
	Original string `json:"original"`
	Pseudonym string `json:"pseudonym"`
}

// Export writes the current mapping to path as JSON, so a later run against
// the same directory can reuse pseudonyms.
func (m *IpMap) Export(path string) error {
	entries := make([]exportEntry, 0, m.mapping.Len())
	m.mapping.Range(func(orig string, pseudo netip.Addr) bool {
		entries = append(entries, exportEntry{Original: orig, Pseudonym: pseudo.String()})
		return true
	})
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Import pre-seeds the mapping from a previous Export, keeping the strategy
// unchanged for addresses not present in the file.
func (m *IpMap) Import(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []exportEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		orig, err := netip.ParseAddr(e.Original)
		if err != nil {
			continue
		}
		pseudo, err := netip.ParseAddr(e.Pseudonym)
		if err != nil {
			continue
		}
		m.mapping.Store(orig.String(), pseudo)
		m.used.Add(pseudo)
	}
	return nil
}

// PreScan iterates every input file once, building the complete IpMap
// before any per-file run starts (spec §4.3 "Directory-level pre-scan").
func PreScan(paths []string, m *IpMap) error {
	for _, path := range paths {
		if err := scanFile(path, m); err != nil {
			return err
		}
	}
	m.Freeze()
	return nil
}

func scanFile(path string, m *IpMap) error {
	r, err := pcapio.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		pkt, err := r.Next()
		if err != nil {
			break
		}
		if pkt.Truncated {
			continue
		}
		dec := pcapio.Decode(pkt.Data, pkt.LinkType)
		for _, ip := range dec.IPHeaders {
			m.Observe(ip.SrcAddr(pkt.Data))
			m.Observe(ip.DstAddr(pkt.Data))
		}
	}
	return nil
}
