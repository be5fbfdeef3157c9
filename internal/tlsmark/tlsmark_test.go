package tlsmark

import (
	"encoding/binary"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask/internal/mask"
	"github.com/pktmask/pktmask/internal/pcapio"
)

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }

func buildTCPPacket(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	eth := make([]byte, 14)
	binary.BigEndian.PutUint16(eth[12:14], 0x0800)

	ipLen := 20 + 20 + len(payload)
	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	tcp := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[12] = 5 << 4
	copy(tcp[20:], payload)

	out := append([]byte{}, eth...)
	out = append(out, ip...)
	out = append(out, tcp...)
	return out
}

func writeCapture(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	w, err := pcapio.Create(path, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.Write(&pcapio.Packet{Timestamp: time.Unix(0, 0), LinkType: layers.LinkTypeEthernet, Data: f}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestBuildRuleSetHeaderOnlyForApplicationData(t *testing.T) {
	body := make([]byte, 200)
	record := append([]byte{byte(ContentApplicationData), 0x03, 0x03, 0x00, 0xC8}, body...)
	frame := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 1000, record)
	path := writeCapture(t, [][]byte{frame})

	r, err := pcapio.Open(path)
	require.NoError(t, err)
	defer r.Close()

	desc := []SegmentDescriptor{{
		SrcIP: mustAddr("10.0.0.1"), DstIP: mustAddr("10.0.0.2"),
		SrcPort: 5000, DstPort: 443, Seq: 1000,
		Records: []RecordFragment{{Offset: 0, Length: len(record), IsRecordStart: true, ContentType: ContentApplicationData, DeclaredLength: 200}},
	}}

	rules, err := BuildRuleSet(r, desc, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, rules.TotalRules)
}

func TestBuildRuleSetKeepsWholeHandshakeRecord(t *testing.T) {
	body := make([]byte, 100)
	record := append([]byte{byte(ContentHandshake), 0x03, 0x03, 0x00, 0x64}, body...)
	frame := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5000, 443, 2000, record)
	path := writeCapture(t, [][]byte{frame})

	r, err := pcapio.Open(path)
	require.NoError(t, err)
	defer r.Close()

	desc := []SegmentDescriptor{{
		SrcIP: mustAddr("10.0.0.1"), DstIP: mustAddr("10.0.0.2"),
		SrcPort: 5000, DstPort: 443, Seq: 2000,
		Records: []RecordFragment{{Offset: 0, Length: len(record), IsRecordStart: true, ContentType: ContentHandshake, DeclaredLength: 100}},
	}}

	rules, err := BuildRuleSet(r, desc, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 1, rules.TotalRules)
}

func TestPolicyKindHonorsEachPreserveFlagIndependently(t *testing.T) {
	allOn := DefaultConfig()
	allOn.PreserveApplicationData = true
	allOff := Config{}

	cases := []struct {
		ct ContentType
	}{
		{ContentHandshake}, {ContentAlert}, {ContentChangeCipherSpec}, {ContentApplicationData},
	}
	for _, c := range cases {
		assert.Equal(t, mask.KindFullRecord, allOn.policyKind(c.ct), "content type %d must be kept whole when its preserve flag is set", c.ct)
		assert.Equal(t, mask.KindHeaderOnly, allOff.policyKind(c.ct), "content type %d must be header-only when its preserve flag is clear", c.ct)
	}

	assert.Equal(t, mask.KindFailSafe, allOff.policyKind(ContentType(99)), "an unrecognised content type is always fail-safe")
}

func TestValidateRecordStartRejectsOversizedChangeCipherSpec(t *testing.T) {
	payload := []byte{byte(ContentChangeCipherSpec), 0x03, 0x03, 0x00, 0x10}
	ok := validateRecordStart(payload, RecordFragment{Offset: 0, ContentType: ContentChangeCipherSpec})
	assert.False(t, ok, "change_cipher_spec declared length over 2 bytes must be rejected")
}

func TestValidateRecordStartRejectsOverlongDeclaredLength(t *testing.T) {
	payload := []byte{byte(ContentApplicationData), 0x03, 0x03, 0xFF, 0xFF}
	ok := validateRecordStart(payload, RecordFragment{Offset: 0, ContentType: ContentApplicationData})
	assert.False(t, ok, "declared length over 16384 must be rejected")
}
