// Package pmerrors defines the sentinel error kinds shared across PktMask's
// pipeline stages, matching the error-kind taxonomy stages report through a
// ProcessResult.
package pmerrors

import (
	"errors"

	sf "github.com/wissance/stringFormatter"
)

// Kind identifies one of the error categories stages surface to the executor
// and, from there, to the directory controller and progress callback.
type Kind string

const (
	KindInput          Kind = "input"
	KindCodec          Kind = "codec"
	KindMarker         Kind = "marker"
	KindRuleValidation Kind = "rule_validation"
	KindMasking        Kind = "masking"
	KindIO             Kind = "io"
	KindResource       Kind = "resource"
	KindConfig         Kind = "config"
	KindCancelled      Kind = "cancelled"
)

var (
	ErrMarkerUnavailable  = errors.New("marker: external deep-parser unavailable")
	ErrMarkerTimeout      = errors.New("marker: timed out")
	ErrLengthInvariant    = errors.New("masker: on-wire length invariant violated")
	ErrPayloadInvariant   = errors.New("masker: payload length invariant violated")
	ErrRuleOverlap        = errors.New("rules: overlapping keep rules after normalisation")
	ErrInvalidConfig      = errors.New("config: invalid configuration")
	ErrUnsupportedFormat  = errors.New("codec: unsupported capture format")
	ErrCancelled          = errors.New("pipeline: cancelled")
)

// StageError wraps an underlying error with the stage and error Kind that
// produced it, so the executor can record it on a ProcessResult without
// losing the original cause.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return sf.Format("{0}[{1}]: {2}", e.Stage, string(e.Kind), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Wrap builds a StageError, the canonical way every stage in PktMask reports
// a failure to the pipeline executor.
func Wrap(stage string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
