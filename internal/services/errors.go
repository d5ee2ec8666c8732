package services

import (
	"errors"
	"fmt"
)

// Stage is a step of the ingestion state machine.
type Stage string

const (
	StageIdle            Stage = "IDLE"
	StageStagingCreated  Stage = "STAGING_CREATED"
	StageFilesDispatched Stage = "FILES_DISPATCHED"
	StageMerging         Stage = "MERGING"
	StageCleanup         Stage = "CLEANUP"
	StageDone            Stage = "DONE"
	StageFailed          Stage = "FAILED"
)

// Error kinds carried by StageError. Match with errors.Is.
var (
	ErrStageSetup     = errors.New("staging setup failed")
	ErrDuplicateIndex = errors.New("duplicate index load failed")
	ErrDispatch       = errors.New("file dispatch failed")
	ErrMerge          = errors.New("merge failed")
	ErrCleanup        = errors.New("staging cleanup failed")
	ErrAggregation    = errors.New("yearly aggregation failed")
)

// StageError tags a fatal error with the pipeline stage it happened in.
// errors.Is matches both Kind and anything in the Err chain, including
// database.ErrConnection.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// FileProcessError is a failure confined to one input file.
type FileProcessError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileProcessError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileProcessError) Unwrap() error {
	return e.Err
}
