package pcapio

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format identifies the on-disk capture container.
type Format int

const (
	FormatPCAP Format = iota
	FormatPCAPNG
)

// innerReader is the minimal surface both pcapgo readers provide.
type innerReader interface {
	ReadPacketData() ([]byte, pcapgo.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader streams Packets from a PCAP or PCAPNG file, detecting the format
// from the leading magic bytes. Enhanced packet blocks are the only PCAPNG
// block type read (spec §4.6).
type Reader struct {
	f        *os.File
	br       *bufio.Reader
	inner    innerReader
	Format   Format
}

// magic numbers, little/big endian variants for classic pcap, and the
// PCAPNG block-type 0x0A0D0D0A section header.
const (
	magicPcapLE      = 0xa1b2c3d4
	magicPcapBE      = 0xd4c3b2a1
	magicPcapNsLE    = 0xa1b23c4d
	magicPcapNsBE    = 0x4d3cb2a1
	magicPcapngBlock = 0x0a0d0d0a
)

// Open detects the capture format and returns a ready-to-iterate Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 1<<20)

	head, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, err
	}
	magicLE := binary.LittleEndian.Uint32(head)
	magicBE := binary.BigEndian.Uint32(head)

	r := &Reader{f: f, br: br}

	switch magicLE {
	case magicPcapngBlock:
		ngr, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.inner = ngReaderAdapter{ngr}
		r.Format = FormatPCAPNG
	case magicPcapLE, magicPcapBE, magicPcapNsLE, magicPcapNsBE:
		fallthrough
	default:
		_ = magicBE
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.inner = pr
		r.Format = FormatPCAP
	}
	return r, nil
}

// ngReaderAdapter narrows *pcapgo.NgReader to the common innerReader
// surface (it additionally tracks interfaces for multi-interface NG files,
// which PktMask does not need beyond LinkType()).
type ngReaderAdapter struct{ *pcapgo.NgReader }

func (a ngReaderAdapter) LinkType() layers.LinkType {
	return a.NgReader.LinkType()
}

// Next returns the following packet, or io.EOF when the capture is
// exhausted. A record whose captured length is shorter than its wire length
// is returned with Truncated set rather than as an error, so stages can pass
// it through (spec §4.6); any other read failure is returned as an error
// with a nil *Packet.
func (r *Reader) Next() (*Packet, error) {
	data, ci, err := r.inner.ReadPacketData()
	if err != nil {
		return nil, err
	}
	p := &Packet{
		Timestamp: ci.Timestamp,
		LinkType:  r.inner.LinkType(),
		Data:      data,
		Truncated: ci.CaptureLength < ci.Length,
	}
	return p, nil
}

func (r *Reader) LinkType() layers.LinkType { return r.inner.LinkType() }

// Path returns the filesystem path this Reader was opened from, used by
// stages (tlsmark) that must hand the same capture to an external process.
func (r *Reader) Path() string { return r.f.Name() }

func (r *Reader) Close() error {
	return r.f.Close()
}

var _ io.Closer = (*Reader)(nil)
