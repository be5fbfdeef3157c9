package pcapio

import (
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer emits a standard PCAP file (spec §1 Non-goals: output is always
// PCAP). PCAPNG input is written out as PCAP; the conversion is not recorded
// in any stage's statistics.
type Writer struct {
	f   *os.File
	w   *pcapgo.Writer
	snaplen uint32
}

// Create opens outPath and writes the PCAP global header for linkType.
func Create(outPath string, linkType layers.LinkType, snaplen uint32) (*Writer, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	if snaplen == 0 {
		snaplen = 65535
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w, snaplen: snaplen}, nil
}

// Write appends one packet, preserving its original timestamp and framing.
func (w *Writer) Write(p *Packet) error {
	ci := pcapgo.CaptureInfo{
		Timestamp:     p.Timestamp,
		CaptureLength: len(p.Data),
		Length:        len(p.Data),
	}
	return w.w.WritePacket(ci, p.Data)
}

// Close flushes and closes the underlying file. On success, the caller is
// responsible for the atomic-rename dance the pipeline executor performs;
// Writer itself only guarantees the bytes written so far are flushed to
// disk.
func (w *Writer) Close() error {
	return w.f.Close()
}
