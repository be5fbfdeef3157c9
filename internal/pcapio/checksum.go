package pcapio

import "encoding/binary"

// checksum16 is the IP/TCP/UDP Internet checksum (RFC 1071) over b.
func checksum16(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RecomputeIPv4Checksum zeroes and recomputes the IPv4 header checksum in
// place at hdr.Offset. Total length is untouched (spec §4.3: "Packet total
// length remains unchanged").
func RecomputeIPv4Checksum(data []byte, hdr IPHeader) {
	if hdr.Version != 4 {
		return
	}
	hdrBytes := data[hdr.Offset : hdr.Offset+hdr.HeaderLen]
	hdrBytes[10] = 0
	hdrBytes[11] = 0
	sum := checksum16(hdrBytes)
	binary.BigEndian.PutUint16(hdrBytes[10:12], sum)
}

func pseudoHeaderSum(data []byte, ip IPHeader, transportLen int, protocol uint8) uint32 {
	var sum uint32
	src := data[ip.SrcOffset : ip.SrcOffset+ip.AddrLen]
	dst := data[ip.DstOffset : ip.DstOffset+ip.AddrLen]
	for i := 0; i+1 < len(src); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(src[i : i+2]))
	}
	for i := 0; i+1 < len(dst); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(dst[i : i+2]))
	}
	sum += uint32(protocol)
	sum += uint32(transportLen)
	return sum
}

func foldChecksum(partial uint32, b []byte) uint16 {
	sum := partial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RecomputeTCPChecksum zeroes and recomputes the TCP checksum over the
// pseudo-header plus the full TCP segment (header + payload), at its
// current in-place bytes.
func RecomputeTCPChecksum(data []byte, tcp *TCPHeader) {
	segment := data[tcp.Offset : tcp.PayloadOffset+tcp.PayloadLen]
	segment[16] = 0
	segment[17] = 0
	partial := pseudoHeaderSum(data, tcp.IP, len(segment), protoTCP)
	sum := foldChecksum(partial, segment)
	binary.BigEndian.PutUint16(segment[16:18], sum)
}

// RecomputeUDPChecksum is the UDP analogue, used when the anonymiser
// rewrites addresses carried in tunnel headers (e.g. VXLAN/GENEVE run over
// UDP).
func RecomputeUDPChecksum(data []byte, ip IPHeader, udpOffset, udpLen int) {
	segment := data[udpOffset : udpOffset+udpLen]
	segment[6] = 0
	segment[7] = 0
	partial := pseudoHeaderSum(data, ip, udpLen, protoUDP)
	sum := foldChecksum(partial, segment)
	if sum == 0 {
		sum = 0xFFFF // UDP: computed-zero checksum is transmitted as all-ones
	}
	binary.BigEndian.PutUint16(segment[6:8], sum)
}
