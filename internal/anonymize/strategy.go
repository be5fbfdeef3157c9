package anonymize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
)

// Method selects one of the recognised pseudonymisation strategies (spec
// §4.3).
type Method string

const (
	MethodPrefixPreserving Method = "prefix_preserving"
	MethodRandom           Method = "random"
	MethodHash             Method = "hash"
)

// Strategy computes a pseudonym for an address not yet seen. IpMap owns
// caching and cross-file consistency; Strategy is purely a deterministic
// (or, for random, collision-avoiding) generator.
type Strategy interface {
	Pseudonymize(addr netip.Addr, used mapset.Set[netip.Addr]) netip.Addr
}

// keyedDigest is PktMask's one deterministic keyed pseudorandom function
// over an address, shared by the prefix-preserving and hash strategies. No
// retrieved example repo carries a keyed-hash library (cespare/xxhash and
// segmentio/fasthash are both unkeyed, fixed-width, non-cryptographic
// hashes unsuitable for producing an address-width pseudorandom mask); this
// is PktMask's other deliberate standard-library exception, alongside
// dedup's digest (see DESIGN.md).
func keyedDigest(key []byte, addr netip.Addr) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(addr.AsSlice())
	return mac.Sum(nil)
}

// PrefixPreserving keeps the top PrefixBits of structure and replaces the
// remainder with a keyed pseudorandom function of the whole original
// address, so any two originals that share a PrefixBits-long prefix share
// the same pseudonym prefix (spec §4.3 table).
type PrefixPreserving struct {
	Key        []byte
	IPv4Prefix int
	IPv6Prefix int
}

func (p *PrefixPreserving) Pseudonymize(addr netip.Addr, _ mapset.Set[netip.Addr]) netip.Addr {
	prefixBits := p.IPv4Prefix
	if addr.Is6() && !addr.Is4In6() {
		prefixBits = p.IPv6Prefix
	}
	digest := keyedDigest(p.Key, addr)
	out := maskedReplace(addr, prefixBits, digest)
	return out
}

// Random assigns each original address a fresh random value of the same
// width, guaranteed unique within this run via collision probing against
// `used`.
type Random struct{}

func (r *Random) Pseudonymize(addr netip.Addr, used mapset.Set[netip.Addr]) netip.Addr {
	buf := make([]byte, addr.BitLen()/8)
	for {
		_, _ = rand.Read(buf)
		cand, ok := netip.AddrFromSlice(buf)
		if !ok {
			continue
		}
		if addr.Is4() {
			cand = cand.Unmap()
		}
		if !used.Contains(cand) {
			return cand
		}
	}
}

// Hash truncates a keyed digest of the address to its width, resolving
// collisions by linear probing (spec §4.3: "collisions within width are
// resolved by probing the map").
type Hash struct {
	Key []byte
}

func (h *Hash) Pseudonymize(addr netip.Addr, used mapset.Set[netip.Addr]) netip.Addr {
	digest := keyedDigest(h.Key, addr)
	width := addr.BitLen() / 8
	cand := truncate(digest, width)
	for i := uint64(0); used.Contains(cand); i++ {
		cand = bump(cand, i+1)
	}
	return cand
}

func truncate(digest []byte, width int) netip.Addr {
	buf := make([]byte, width)
	copy(buf, digest[:width])
	a, _ := netip.AddrFromSlice(buf)
	return a
}

func bump(addr netip.Addr, n uint64) netip.Addr {
	b := addr.AsSlice()
	carry := n
	for i := len(b) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(b[i]) + carry
		b[i] = byte(sum)
		carry = sum >> 8
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

// maskedReplace keeps the top prefixBits of addr and fills the remainder
// from digest.
func maskedReplace(addr netip.Addr, prefixBits int, digest []byte) netip.Addr {
	b := addr.AsSlice()
	totalBits := len(b) * 8
	if prefixBits < 0 {
		prefixBits = 0
	}
	if prefixBits > totalBits {
		prefixBits = totalBits
	}
	for bit := prefixBits; bit < totalBits; bit++ {
		byteIdx := bit / 8
		bitIdx := 7 - uint(bit%8)
		digestByte := digest[byteIdx%len(digest)]
		digestBit := (digestByte >> bitIdx) & 1
		if digestBit == 1 {
			b[byteIdx] |= 1 << bitIdx
		} else {
			b[byteIdx] &^= 1 << bitIdx
		}
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
