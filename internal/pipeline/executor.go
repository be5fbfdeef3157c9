package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/progress"
	"github.com/pktmask/pktmask/internal/stats"
	"github.com/pktmask/pktmask/internal/telemetry"
)

// Executor chains a fixed ordered list of stages, routing each stage's
// output through a per-run scratch directory that is removed when the run
// ends, on success and on failure alike (spec §4.7 "Scratch space").
type Executor struct {
	ScratchDir string
	Stages     []Enabled
	Progress   progress.Callback
}

func NewExecutor(scratchDir string, stages []Enabled) *Executor {
	return &Executor{ScratchDir: scratchDir, Stages: stages, Progress: progress.Noop}
}

// Run processes one input file through every enabled stage in order and
// atomically installs the final result at outputPath. Disabled stages are
// skipped with a pass-through copy so the file always reaches the next
// enabled stage unchanged (spec §6, per-stage `enabled` flags).
func (e *Executor) Run(ctx context.Context, inputPath, outputPath string) (*stats.ProcessResult, error) {
	result := &stats.ProcessResult{InputPath: inputPath, OutputPath: outputPath, Success: true}

	runID := uuid.NewString()
	workDir := filepath.Join(e.ScratchDir, runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		result.Fail(pmerrors.Wrap("executor", pmerrors.KindIO, err))
		return result, err
	}
	defer cleanupScratch(workDir, inputPath)

	e.Progress(progress.Event{Type: progress.TypeFileStart, Path: inputPath})

	currentPath := inputPath
	for i, stg := range e.Stages {
		if ctx.Err() != nil {
			err := pmerrors.Wrap("executor", pmerrors.KindCancelled, pmerrors.ErrCancelled)
			result.Fail(err)
			return result, err
		}

		nextPath := filepath.Join(workDir, uuid.NewString()+".pcap")
		e.Progress(progress.Event{Type: progress.TypeStageStart, Path: inputPath, Stage: stg.Stage.Name()})

		var st *stats.StageStats
		var err error
		if !stg.IsOn {
			st, err = passThrough(ctx, currentPath, nextPath)
		} else {
			st, err = runStage(ctx, stg.Stage, currentPath, nextPath)
		}

		if err != nil {
			telemetry.Error("stage failed", telemetry.EventStageError, inputPath, stg.Stage.Name(), nil, err)
			e.Progress(progress.Event{Type: progress.TypeError, Path: inputPath, Stage: stg.Stage.Name(), ErrorKind: errKind(err), Detail: err.Error()})
			result.Fail(err)
			return result, err
		}
		if st != nil {
			result.AddStage(st)
		}
		e.Progress(progress.Event{Type: progress.TypeStageEnd, Path: inputPath, Stage: stg.Stage.Name(), Index: i, Total: len(e.Stages), Stats: st})
		currentPath = nextPath
	}

	if err := installOutput(currentPath, outputPath); err != nil {
		result.Fail(pmerrors.Wrap("executor", pmerrors.KindIO, err))
		return result, err
	}

	e.Progress(progress.Event{Type: progress.TypeFileEnd, Path: inputPath, Success: true, AllStats: result.Stages})
	return result, nil
}

func runStage(ctx context.Context, s Stage, inPath, outPath string) (*stats.StageStats, error) {
	r, err := pcapio.Open(inPath)
	if err != nil {
		return nil, pmerrors.Wrap(s.Name(), pmerrors.KindInput, err)
	}
	defer r.Close()

	w, err := pcapio.Create(outPath, r.LinkType(), 65535)
	if err != nil {
		return nil, pmerrors.Wrap(s.Name(), pmerrors.KindIO, err)
	}
	defer w.Close()

	st, err := s.Run(ctx, r, w)
	if err != nil {
		return st, err
	}
	return st, nil
}

// passThrough copies a capture unchanged, used for a disabled stage so the
// pipeline shape stays identical whether or not a stage is switched on.
// Cancellation is checked once per packet, same as every real stage.
func passThrough(ctx context.Context, inPath, outPath string) (*stats.StageStats, error) {
	r, err := pcapio.Open(inPath)
	if err != nil {
		return nil, pmerrors.Wrap("passthrough", pmerrors.KindInput, err)
	}
	defer r.Close()

	w, err := pcapio.Create(outPath, r.LinkType(), 65535)
	if err != nil {
		return nil, pmerrors.Wrap("passthrough", pmerrors.KindIO, err)
	}
	defer w.Close()

	for {
		if ctx.Err() != nil {
			return nil, pmerrors.Wrap("passthrough", pmerrors.KindCancelled, pmerrors.ErrCancelled)
		}
		pkt, err := r.Next()
		if err != nil {
			break
		}
		if werr := w.Write(pkt); werr != nil {
			return nil, pmerrors.Wrap("passthrough", pmerrors.KindIO, werr)
		}
	}
	return nil, nil
}

// installOutput moves the final scratch artifact to outputPath, serialised
// by a flock on the destination directory so two executors never race on
// the same output tree (spec §4.7 "atomic output").
func installOutput(srcPath, outputPath string) error {
	destDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	lockPath := filepath.Join(destDir, ".pktmask.lock")
	lk := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	locked, err := lk.TryLockContext(lockCtx, 20*time.Millisecond)
	if err != nil || !locked {
		return pmerrors.ErrCancelled
	}
	defer lk.Unlock()

	if err := os.Rename(srcPath, outputPath); err != nil {
		// Cross-device rename falls back to copy+remove.
		if copyErr := copyFile(srcPath, outputPath); copyErr != nil {
			return copyErr
		}
		return os.Remove(srcPath)
	}
	return nil
}

func copyFile(src, dst string) error {
	r, err := pcapio.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := pcapio.Create(dst, r.LinkType(), 65535)
	if err != nil {
		return err
	}
	defer w.Close()
	for {
		pkt, err := r.Next()
		if err != nil {
			break
		}
		if err := w.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// cleanupScratch removes the run's scratch directory, logging on failure
// rather than surfacing it (on a successful run the output file is already
// installed by the time this runs).
func cleanupScratch(workDir, inputPath string) {
	if err := os.RemoveAll(workDir); err != nil {
		telemetry.Warn("scratch cleanup failed", telemetry.EventScratchCleanup, inputPath, "executor", nil, err)
	}
}

func errKind(err error) string {
	var se *pmerrors.StageError
	if stageErr, ok := err.(*pmerrors.StageError); ok {
		se = stageErr
		return string(se.Kind)
	}
	return ""
}
