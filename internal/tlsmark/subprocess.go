package tlsmark

import (
	"bytes"
	"context"
	"net/netip"
	"os/exec"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/avast/retry-go/v4"
	"github.com/mitchellh/go-ps"
	"github.com/pkg/errors"

	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/telemetry"
)

func parseAddr(s string) (netip.Addr, error) { return netip.ParseAddr(s) }

// SubprocessConfig describes how to invoke the external deep-parser.
type SubprocessConfig struct {
	// Path to the deep-parser binary; resolved via exec.LookPath if not
	// absolute.
	Path string
	// Args are appended after the capture path argument.
	Args []string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first failure.
	Retries uint
}

func DefaultSubprocessConfig() SubprocessConfig {
	return SubprocessConfig{
		Path:    "pktmask-tls-parser",
		Timeout: 30 * time.Second,
		Retries: 2,
	}
}

// RunExternal invokes the deep-parser against capturePath and parses its
// stdout (a JSON array of per-segment descriptors) into SegmentDescriptors.
// A missing binary or an exhausted retry budget surfaces as
// pmerrors.ErrMarkerUnavailable, which callers use to decide whether to fall
// back per spec §4.4 ("Marker unavailable").
func RunExternal(ctx context.Context, cfg SubprocessConfig, capturePath string) ([]SegmentDescriptor, error) {
	resolved, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, pmerrors.Wrap("tlsmark", pmerrors.KindMarker, pmerrors.ErrMarkerUnavailable)
	}

	var stdout []byte
	runErr := retry.Do(func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(attemptCtx, resolved, append([]string{capturePath}, cfg.Args...)...)
		var outBuf, errBuf bytes.Buffer
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf

		if startErr := cmd.Start(); startErr != nil {
			return errors.Wrap(startErr, "start deep-parser")
		}
		done := waitWithLiveness(attemptCtx, cmd)
		if waitErr := <-done; waitErr != nil {
			if attemptCtx.Err() != nil {
				return pmerrors.Wrap("tlsmark", pmerrors.KindMarker, pmerrors.ErrMarkerTimeout)
			}
			return errors.Wrapf(waitErr, "deep-parser exited: %s", errBuf.String())
		}
		stdout = outBuf.Bytes()
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(cfg.Retries+1),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			telemetry.Warn("deep-parser attempt failed", telemetry.EventMarkerFallback, capturePath, "tlsmark", nil, err)
		}),
	)
	if runErr != nil {
		return nil, pmerrors.Wrap("tlsmark", pmerrors.KindMarker, pmerrors.ErrMarkerUnavailable)
	}

	return parseDescriptors(stdout)
}

// waitWithLiveness returns a channel that receives cmd.Wait()'s result.
// Alongside, it polls go-ps every 500ms: it kills the process when ctx ends
// and stops polling once the pid is no longer listed. The poll does not
// itself end the wait.
func waitWithLiveness(ctx context.Context, cmd *exec.Cmd) <-chan error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	pid := cmd.Process.Pid
	ticker := time.NewTicker(500 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				return
			case <-ticker.C:
				if proc, err := ps.FindProcess(pid); err != nil || proc == nil {
					return
				}
			}
		}
	}()
	return done
}

// parseDescriptors decodes the deep-parser's JSON output with gabs, which
// tolerates unknown or missing fields rather than failing the whole batch
// (the deep-parser's output is untrusted input, spec §9 "Subprocess
// boundary"). Malformed segment entries are skipped, not fatal.
func parseDescriptors(stdout []byte) ([]SegmentDescriptor, error) {
	parsed, err := gabs.ParseJSON(stdout)
	if err != nil {
		return nil, pmerrors.Wrap("tlsmark", pmerrors.KindMarker, errors.Wrap(err, "parse deep-parser output"))
	}

	segments, err := parsed.Children()
	if err != nil {
		return nil, nil
	}

	out := make([]SegmentDescriptor, 0, len(segments))
	for _, seg := range segments {
		desc, ok := decodeSegment(seg)
		if !ok {
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func decodeSegment(seg *gabs.Container) (SegmentDescriptor, bool) {
	srcIPStr, ok1 := seg.Path("src_ip").Data().(string)
	dstIPStr, ok2 := seg.Path("dst_ip").Data().(string)
	if !ok1 || !ok2 {
		return SegmentDescriptor{}, false
	}
	srcIP, err1 := parseAddr(srcIPStr)
	dstIP, err2 := parseAddr(dstIPStr)
	if err1 != nil || err2 != nil {
		return SegmentDescriptor{}, false
	}

	desc := SegmentDescriptor{
		SrcIP:   srcIP,
		DstIP:   dstIP,
		SrcPort: uint16(asFloat(seg.Path("src_port").Data())),
		DstPort: uint16(asFloat(seg.Path("dst_port").Data())),
		Seq:     uint32(asFloat(seg.Path("seq").Data())),
	}

	records, err := seg.Path("records").Children()
	if err != nil {
		return desc, true
	}
	for _, rec := range records {
		desc.Records = append(desc.Records, RecordFragment{
			Offset:         int(asFloat(rec.Path("offset").Data())),
			Length:         int(asFloat(rec.Path("length").Data())),
			IsRecordStart:  asBool(rec.Path("is_record_start").Data()),
			ContentType:    ContentType(asFloat(rec.Path("content_type").Data())),
			DeclaredLength: int(asFloat(rec.Path("declared_length").Data())),
		})
	}
	return desc, true
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
