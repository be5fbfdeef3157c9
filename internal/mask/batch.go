package mask

import (
	"runtime"

	"github.com/pktmask/pktmask/internal/pcapio"
)

// batchWriter amortises I/O by holding packets in memory before writing
// them out, and flushes early under memory pressure (spec §4.5
// "Buffering and backpressure").
type batchWriter struct {
	w             *pcapio.Writer
	pending       []*pcapio.Packet
	batchSize     int
	memLimitBytes uint64
}

func newBatchWriter(w *pcapio.Writer, batchSize, memLimitMB int) *batchWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if memLimitMB <= 0 {
		memLimitMB = 2048
	}
	return &batchWriter{
		w:             w,
		batchSize:     batchSize,
		memLimitBytes: uint64(memLimitMB) * 1024 * 1024,
	}
}

func (b *batchWriter) Write(p *pcapio.Packet) error {
	b.pending = append(b.pending, p)
	if len(b.pending) >= b.batchSize || b.overPressure() {
		return b.Flush()
	}
	return nil
}

// overPressure observes process resident memory via runtime.MemStats and
// forces an early flush past 80% of the configured cap, matching spec §5's
// "memory monitor ... forces batch flush when pressure is observed."
func (b *batchWriter) overPressure() bool {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	threshold := (b.memLimitBytes * 8) / 10
	return ms.Sys > threshold
}

func (b *batchWriter) Flush() error {
	for _, p := range b.pending {
		if err := b.w.Write(p); err != nil {
			return err
		}
	}
	b.pending = b.pending[:0]
	if b.overPressure() {
		runtime.GC()
	}
	return nil
}
