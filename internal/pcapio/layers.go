package pcapio

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// ErrNoTCP describes a packet that carries no TCP segment after peeling
// every encapsulation PktMask understands. Decode itself reports that case
// with a nil Decoded.TCP, not with this error.
var ErrNoTCP = errors.New("pcapio: no TCP layer found")

// IPHeader records one IP header found anywhere in the packet — including
// inside tunnels — so the anonymiser can rewrite every addressable layer
// (spec §4.3: "Rewrite addresses at every IP layer encountered, including
// inside tunnels").
type IPHeader struct {
	Version    int // 4 or 6
	Offset     int // offset of the start of the IP header in the packet
	SrcOffset  int // offset of the source address field
	DstOffset  int // offset of the destination address field
	AddrLen    int // 4 or 16
	HeaderLen  int // total header length including options/ext headers
	Protocol   uint8
}

func (h IPHeader) SrcAddr(data []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(data[h.SrcOffset : h.SrcOffset+h.AddrLen])
	return a
}

func (h IPHeader) DstAddr(data []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(data[h.DstOffset : h.DstOffset+h.AddrLen])
	return a
}

// TCPHeader locates the innermost TCP segment.
type TCPHeader struct {
	IP            IPHeader
	Offset        int // start of TCP header
	HeaderLen     int
	PayloadOffset int
	PayloadLen    int
	SrcPort       uint16
	DstPort       uint16
	Seq           uint32
	Checksum      uint16
	ChecksumOffset int
}

// UDPHeader records one UDP datagram found while walking the packet,
// including tunnel-carrying ones (VXLAN/GENEVE run over UDP), so its
// checksum can be recomputed after an enclosing IP address rewrite (spec
// §4.3: "TCP and UDP checksums that cover the IP pseudo-header ... be
// recomputed").
type UDPHeader struct {
	IP     IPHeader
	Offset int // start of the UDP header
	Length int // UDP header + payload, as captured
}

// Decoded is the result of walking one packet's layer stack.
type Decoded struct {
	IPHeaders []IPHeader  // every IP header seen, outermost first
	UDP       []UDPHeader // every UDP datagram seen, outermost first
	TCP       *TCPHeader  // innermost TCP segment, if any
	Skipped   bool        // an unrecognised encapsulation stopped the walk
}

const (
	etherTypeIPv4  = 0x0800
	etherTypeIPv6  = 0x86DD
	etherTypeVLAN  = 0x8100
	etherTypeQinQ  = 0x88A8
	etherTypeMPLSU = 0x8847
	etherTypeMPLSM = 0x8848

	protoICMP    = 1
	protoTCP     = 6
	protoUDP     = 17
	protoIPv4    = 4  // IP-in-IP
	protoIPv6    = 41 // IPv6-in-IP
	protoGRE     = 47
	protoICMPv6  = 58
	protoHopByHop = 0
	protoRouting  = 43
	protoFragment = 44
	protoDstOpts  = 60

	vxlanPort  = 4789
	genevePort = 6081

	greProtoEthernet = 0x6558
	greProtoERSPANII = 0x88BE
)

// Decode walks the packet's encapsulation chain and returns every IP header
// and the innermost TCP segment found.
func Decode(data []byte, linkType layers.LinkType) *Decoded {
	d := &Decoded{}
	offset := 0
	var err error

	switch linkType {
	case layers.LinkTypeEthernet:
		offset, err = decodeEthernet(data, offset, d)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		// offset stays 0, nextProto determined by IP version nibble
	default:
		d.Skipped = true
		return d
	}
	if err != nil {
		d.Skipped = true
		return d
	}
	decodeNetwork(data, offset, 0, d)
	return d
}

func decodeEthernet(data []byte, offset int, d *Decoded) (int, error) {
	if len(data) < offset+14 {
		return offset, errors.New("short ethernet frame")
	}
	etherType := binary.BigEndian.Uint16(data[offset+12 : offset+14])
	offset += 14

	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+4 {
			return offset, errors.New("short vlan tag")
		}
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4
	}

	for etherType == etherTypeMPLSU || etherType == etherTypeMPLSM {
		bottom := false
		for !bottom {
			if len(data) < offset+4 {
				return offset, errors.New("short mpls label")
			}
			label := binary.BigEndian.Uint32(data[offset : offset+4])
			bottom = label&0x100 != 0
			offset += 4
		}
		// MPLS carries no explicit next-protocol; sniff the version nibble.
		if len(data) <= offset {
			return offset, errors.New("short mpls payload")
		}
		switch data[offset] >> 4 {
		case 4:
			etherType = etherTypeIPv4
		case 6:
			etherType = etherTypeIPv6
		default:
			return offset, errors.New("unrecognised mpls payload")
		}
		break
	}

	return decodeByEtherType(data, offset, etherType, d)
}

// decodeByEtherType dispatches to the right network-layer decoder, or marks
// the packet skipped if the ether type is not one PktMask understands.
func decodeByEtherType(data []byte, offset int, etherType uint16, d *Decoded) (int, error) {
	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
		return offset, nil
	default:
		d.Skipped = true
		return offset, nil
	}
}

// decodeNetwork parses an IP header at offset (IP version sniffed from the
// first nibble), recording it and recursing through any tunnel it carries
// until a TCP segment is found or the chain ends.
func decodeNetwork(data []byte, offset int, depth int, d *Decoded) {
	if d.Skipped || depth > 8 || len(data) <= offset {
		return
	}
	version := data[offset] >> 4

	switch version {
	case 4:
		decodeIPv4(data, offset, d)
	case 6:
		decodeIPv6(data, offset, d)
	default:
		d.Skipped = true
	}
}

func decodeIPv4(data []byte, offset int, d *Decoded) {
	if len(data) < offset+20 {
		d.Skipped = true
		return
	}
	ihl := int(data[offset]&0x0F) * 4
	if ihl < 20 || len(data) < offset+ihl {
		d.Skipped = true
		return
	}
	totalLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
	protocol := data[offset+9]

	hdr := IPHeader{
		Version:   4,
		Offset:    offset,
		SrcOffset: offset + 12,
		DstOffset: offset + 16,
		AddrLen:   4,
		HeaderLen: ihl,
		Protocol:  protocol,
	}
	d.IPHeaders = append(d.IPHeaders, hdr)

	payloadOffset := offset + ihl
	payloadEnd := offset + totalLen
	if totalLen == 0 || payloadEnd > len(data) {
		payloadEnd = len(data)
	}
	decodeTransport(data, payloadOffset, payloadEnd, protocol, hdr, d)
}

func decodeIPv6(data []byte, offset int, d *Decoded) {
	if len(data) < offset+40 {
		d.Skipped = true
		return
	}
	payloadLen := int(binary.BigEndian.Uint16(data[offset+4 : offset+6]))
	nextHeader := data[offset+6]

	hdr := IPHeader{
		Version:   6,
		Offset:    offset,
		SrcOffset: offset + 8,
		DstOffset: offset + 24,
		AddrLen:   16,
		HeaderLen: 40,
		Protocol:  nextHeader,
	}
	d.IPHeaders = append(d.IPHeaders, hdr)

	cursor := offset + 40
	proto := nextHeader
	for proto == protoHopByHop || proto == protoRouting || proto == protoDstOpts {
		if len(data) < cursor+2 {
			d.Skipped = true
			return
		}
		next := data[cursor]
		extLen := (int(data[cursor+1]) + 1) * 8
		hdr.HeaderLen += extLen
		proto = next
		cursor += extLen
	}
	// Fragment extension header has a fixed 8-byte length.
	if proto == protoFragment {
		if len(data) < cursor+8 {
			d.Skipped = true
			return
		}
		proto = data[cursor]
		hdr.HeaderLen += 8
		cursor += 8
	}

	payloadEnd := offset + 40 + payloadLen
	if payloadLen == 0 || payloadEnd > len(data) {
		payloadEnd = len(data)
	}
	decodeTransport(data, cursor, payloadEnd, proto, hdr, d)
}

func decodeTransport(data []byte, offset, end int, protocol uint8, parent IPHeader, d *Decoded) {
	if offset >= end || offset >= len(data) {
		d.Skipped = true
		return
	}
	switch protocol {
	case protoTCP:
		decodeTCP(data, offset, end, parent, d)
	case protoUDP:
		decodeUDP(data, offset, end, parent, d)
	case protoIPv4:
		decodeIPv4(data, offset, d)
	case protoIPv6:
		decodeIPv6(data, offset, d)
	case protoGRE:
		decodeGRE(data, offset, d)
	case protoICMP, protoICMPv6:
		decodeICMP(data, offset, end, protocol, d)
	default:
		d.Skipped = true
	}
}

func decodeUDP(data []byte, offset, end int, parent IPHeader, d *Decoded) {
	if len(data) < offset+8 {
		d.Skipped = true
		return
	}
	srcPort := binary.BigEndian.Uint16(data[offset : offset+2])
	dstPort := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	payloadOffset := offset + 8

	length := end - offset
	if length < 8 || offset+length > len(data) {
		length = len(data) - offset
	}
	d.UDP = append(d.UDP, UDPHeader{IP: parent, Offset: offset, Length: length})

	switch {
	case srcPort == vxlanPort || dstPort == vxlanPort:
		decodeVXLAN(data, payloadOffset, d)
	case srcPort == genevePort || dstPort == genevePort:
		decodeGeneve(data, payloadOffset, d)
	default:
		d.Skipped = true
	}
}

func decodeVXLAN(data []byte, offset int, d *Decoded) {
	if len(data) < offset+8 {
		d.Skipped = true
		return
	}
	// 8-byte VXLAN header: flags(1) + reserved(3) + VNI(3) + reserved(1).
	innerOffset, err := decodeEthernet(data, offset+8, d)
	if err != nil {
		d.Skipped = true
		return
	}
	decodeNetwork(data, innerOffset, 1, d)
}

func decodeGeneve(data []byte, offset int, d *Decoded) {
	if len(data) < offset+8 {
		d.Skipped = true
		return
	}
	optLen := int(data[offset]&0x3F) * 4
	protoType := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	innerOffset := offset + 8 + optLen
	if len(data) < innerOffset {
		d.Skipped = true
		return
	}
	switch protoType {
	case greProtoEthernet:
		eo, err := decodeEthernet(data, innerOffset, d)
		if err != nil {
			d.Skipped = true
			return
		}
		decodeNetwork(data, eo, 1, d)
	case etherTypeIPv4, etherTypeIPv6:
		decodeNetwork(data, innerOffset, 1, d)
	default:
		d.Skipped = true
	}
}

func decodeGRE(data []byte, offset int, d *Decoded) {
	if len(data) < offset+4 {
		d.Skipped = true
		return
	}
	flags := binary.BigEndian.Uint16(data[offset : offset+2])
	protoType := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	cursor := offset + 4
	if flags&0x8000 != 0 { // checksum present (+ reserved1)
		cursor += 4
	}
	if flags&0x2000 != 0 { // key present
		cursor += 4
	}
	if flags&0x1000 != 0 { // sequence present
		cursor += 4
	}

	switch protoType {
	case etherTypeIPv4, etherTypeIPv6:
		decodeNetwork(data, cursor, 1, d)
	case greProtoEthernet:
		eo, err := decodeEthernet(data, cursor, d)
		if err != nil {
			d.Skipped = true
			return
		}
		decodeNetwork(data, eo, 1, d)
	case greProtoERSPANII:
		// ERSPAN type II adds an 8-byte header before the mirrored Ethernet frame.
		if len(data) < cursor+8 {
			d.Skipped = true
			return
		}
		eo, err := decodeEthernet(data, cursor+8, d)
		if err != nil {
			d.Skipped = true
			return
		}
		decodeNetwork(data, eo, 1, d)
	default:
		d.Skipped = true
	}
}

// decodeICMP looks for an embedded original-IP-header in ICMP/ICMPv6 error
// messages, so the anonymiser can rewrite addresses it quotes (spec §4.3).
func decodeICMP(data []byte, offset, end int, protocol uint8, d *Decoded) {
	var embeddedAt int
	switch protocol {
	case protoICMP:
		embeddedAt = offset + 8 // type,code,checksum,unused/ptr
	case protoICMPv6:
		embeddedAt = offset + 8
	}
	if embeddedAt >= len(data) || embeddedAt >= end {
		return
	}
	// Best-effort: the embedded header may not be present for every ICMP
	// type; decodeIPv4/decodeIPv6 will mark Skipped if it doesn't parse.
	before := len(d.IPHeaders)
	decodeNetwork(data, embeddedAt, 1, d)
	if len(d.IPHeaders) == before {
		d.Skipped = true
	}
}

func decodeTCP(data []byte, offset, end int, parent IPHeader, d *Decoded) {
	if len(data) < offset+20 {
		d.Skipped = true
		return
	}
	dataOffset := int(data[offset+12]>>4) * 4
	if dataOffset < 20 || offset+dataOffset > len(data) {
		d.Skipped = true
		return
	}
	payloadOffset := offset + dataOffset
	if end > len(data) || end < payloadOffset {
		end = len(data)
	}

	d.TCP = &TCPHeader{
		IP:             parent,
		Offset:         offset,
		HeaderLen:      dataOffset,
		PayloadOffset:  payloadOffset,
		PayloadLen:     end - payloadOffset,
		SrcPort:        binary.BigEndian.Uint16(data[offset : offset+2]),
		DstPort:        binary.BigEndian.Uint16(data[offset+2 : offset+4]),
		Seq:            binary.BigEndian.Uint32(data[offset+4 : offset+8]),
		Checksum:       binary.BigEndian.Uint16(data[offset+16 : offset+18]),
		ChecksumOffset: offset + 16,
	}
}
