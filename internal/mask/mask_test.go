package mask

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask/internal/flowkey"
	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
)

// buildTCPPacket constructs a minimal Ethernet+IPv4+TCP frame carrying
// payload, for exercising the masker without needing a real capture file.
func buildTCPPacket(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	eth := make([]byte, 14)
	binary.BigEndian.PutUint16(eth[12:14], 0x0800)

	ipLen := 20 + 20 + len(payload)
	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[8] = 64
	ip[9] = 6 // TCP
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	tcp := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[12] = 5 << 4 // data offset = 20 bytes
	copy(tcp[20:], payload)

	out := append([]byte{}, eth...)
	out = append(out, ip...)
	out = append(out, tcp...)
	return out
}

func packetFromBytes(data []byte) *pcapio.Packet {
	return &pcapio.Packet{Timestamp: time.Unix(0, 0), LinkType: layers.LinkTypeEthernet, Data: data}
}

func TestMaskApplicationDataKeepsOnlyHeader(t *testing.T) {
	body := make([]byte, 273)
	for i := range body {
		body[i] = 0xAB
	}
	record := append([]byte{0x17, 0x03, 0x03, 0x01, 0x11}, body...) // content type 23 (app data), len=273
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 1000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	require.NotNil(t, dec.TCP)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 1000, SeqEnd: 1005, Kind: KindHeaderOnly})
	rules.Normalize()

	m := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	originalLen := pkt.Len()

	modified, zeroed, err := m.maskOne(pkt)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, uint64(273), zeroed)
	assert.Equal(t, originalLen, pkt.Len(), "on-wire length invariant")

	dec2 := pcapio.Decode(pkt.Data, layers.LinkTypeEthernet)
	payload := pkt.Data[dec2.TCP.PayloadOffset : dec2.TCP.PayloadOffset+dec2.TCP.PayloadLen]
	assert.Equal(t, record[:5], payload[:5], "5-byte header preserved byte-identical")
	for _, b := range payload[5:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestMaskHandshakeKeepsWholeRecord(t *testing.T) {
	body := make([]byte, 507)
	for i := range body {
		body[i] = byte(i)
	}
	record := append([]byte{0x16, 0x03, 0x03, 0x01, 0xFB}, body...) // handshake, len 507
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 2000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 2000, SeqEnd: 2000 + uint64(len(record)), Kind: KindFullRecord})
	rules.Normalize()

	m := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	modified, zeroed, err := m.maskOne(pkt)
	require.NoError(t, err)
	assert.False(t, modified, "fully-kept record: modification counter reports 0")
	assert.Equal(t, uint64(0), zeroed)

	dec2 := pcapio.Decode(pkt.Data, layers.LinkTypeEthernet)
	payload := pkt.Data[dec2.TCP.PayloadOffset : dec2.TCP.PayloadOffset+dec2.TCP.PayloadLen]
	assert.Equal(t, record, payload)
}

func TestMaskIdempotent(t *testing.T) {
	body := make([]byte, 50)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x32}, body...)
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 3000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 3000, SeqEnd: 3005, Kind: KindHeaderOnly})
	rules.Normalize()

	m1 := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	_, _, err := m1.maskOne(pkt)
	require.NoError(t, err)
	firstPass := append([]byte{}, pkt.Data...)

	m2 := NewMasker(DefaultConfig(), rules)
	modified, zeroed, err := m2.maskOne(pkt)
	require.NoError(t, err)
	assert.False(t, modified, "masking an already-masked packet is a no-op")
	assert.Equal(t, uint64(0), zeroed)
	assert.Equal(t, firstPass, pkt.Data)
}

func TestMaskZeroLengthPayloadPassesThrough(t *testing.T) {
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 4000, nil)
	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 0, SeqEnd: 1, Kind: KindFullRecord})
	rules.Normalize()

	m := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	modified, zeroed, err := m.maskOne(pkt)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, uint64(0), zeroed)
}

func TestMaskOneRaisesRuleOverlapForConflictingKinds(t *testing.T) {
	body := make([]byte, 50)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x32}, body...)
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 5000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	// Two rules of different Kind covering overlapping bytes: Normalize only
	// merges same-Kind rules, so this overlap survives into lookup.
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 5000, SeqEnd: 5010, Kind: KindHeaderOnly})
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 5005, SeqEnd: 5020, Kind: KindFullRecord})
	rules.Normalize()

	m := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	_, _, err := m.maskOne(pkt)
	require.ErrorIs(t, err, pmerrors.ErrRuleOverlap)
}

func TestMaskOneRaisesPayloadInvariantForOversizedPayloadLen(t *testing.T) {
	body := make([]byte, 50)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x32}, body...)
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 6000, record)
	// Truncate the captured frame after its IP total length was set for the
	// full payload, simulating a short capture whose headers claim more
	// payload than it actually carries.
	raw = raw[:len(raw)-10]

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 6000, SeqEnd: 6005, Kind: KindHeaderOnly})
	rules.Normalize()

	m := NewMasker(DefaultConfig(), rules)
	pkt := packetFromBytes(append([]byte{}, raw...))
	_, _, err := m.maskOne(pkt)
	require.ErrorIs(t, err, pmerrors.ErrPayloadInvariant)
}

func TestRunFallbackFullMaskZeroesPayloadOnPerPacketError(t *testing.T) {
	body := make([]byte, 50)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x32}, body...)
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 7000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 7000, SeqEnd: 7010, Kind: KindHeaderOnly})
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 7005, SeqEnd: 7020, Kind: KindFullRecord})
	rules.Normalize()

	cfg := DefaultConfig()
	cfg.Fallback = FallbackFullMask
	m := NewMasker(cfg, rules)

	tmpDir := t.TempDir()
	inPath := filepath.Join(tmpDir, "in.pcap")
	outPath := filepath.Join(tmpDir, "out.pcap")

	w, err := pcapio.Create(inPath, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	require.NoError(t, w.Write(&pcapio.Packet{Timestamp: time.Unix(0, 0), Data: append([]byte{}, raw...)}))
	require.NoError(t, w.Close())

	r, err := pcapio.Open(inPath)
	require.NoError(t, err)
	defer r.Close()
	out, err := pcapio.Create(outPath, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)

	st, err := m.Run(context.Background(), r, out)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.EqualValues(t, 1, st.PacketsModified)

	outReader, err := pcapio.Open(outPath)
	require.NoError(t, err)
	defer outReader.Close()
	pkt, err := outReader.Next()
	require.NoError(t, err)

	dec2 := pcapio.Decode(pkt.Data, layers.LinkTypeEthernet)
	payload := pkt.Data[dec2.TCP.PayloadOffset : dec2.TCP.PayloadOffset+dec2.TCP.PayloadLen]
	for _, b := range payload {
		assert.Equal(t, byte(0), b)
	}
}

func TestRunFallbackAbortReturnsStageError(t *testing.T) {
	body := make([]byte, 50)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x32}, body...)
	raw := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 8000, record)

	dec := pcapio.Decode(raw, layers.LinkTypeEthernet)
	flow, dir := flowkey.Canonical(dec.TCP.IP.SrcAddr(raw), dec.TCP.IP.DstAddr(raw), dec.TCP.SrcPort, dec.TCP.DstPort)

	rules := NewKeepRuleSet()
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 8000, SeqEnd: 8010, Kind: KindHeaderOnly})
	rules.Add(KeepRule{Flow: flow, Direction: dir, SeqStart: 8005, SeqEnd: 8020, Kind: KindFullRecord})
	rules.Normalize()

	cfg := DefaultConfig()
	cfg.Fallback = FallbackAbort
	m := NewMasker(cfg, rules)

	tmpDir := t.TempDir()
	inPath := filepath.Join(tmpDir, "in.pcap")
	outPath := filepath.Join(tmpDir, "out.pcap")

	w, err := pcapio.Create(inPath, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	require.NoError(t, w.Write(&pcapio.Packet{Timestamp: time.Unix(0, 0), Data: append([]byte{}, raw...)}))
	require.NoError(t, w.Close())

	r, err := pcapio.Open(inPath)
	require.NoError(t, err)
	defer r.Close()
	out, err := pcapio.Create(outPath, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	defer out.Close()

	_, runErr := m.Run(context.Background(), r, out)
	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, pmerrors.ErrRuleOverlap)
}
