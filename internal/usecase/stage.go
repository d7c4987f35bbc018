package usecase

import (
	"fmt"
	"time"
)

// StageStatus tags the outcome of a single pipeline stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
)

// Stage names, in execution order.
const (
	StageIngest   = "ingest"
	StageResolve  = "resolve"
	StageClassify = "classify"
	StageEnrich   = "enrich"
	StageBuild    = "build"
	StagePublish  = "publish"
)

// StageResult is what every stage returns. The runner never inspects anything but the tag.
type StageResult struct {
	Stage    string
	Status   StageStatus
	Reason   string
	Err      error
	Duration time.Duration
}

func succeeded(format string, args ...any) StageResult {
	return StageResult{Status: StageSucceeded, Reason: fmt.Sprintf(format, args...)}
}

func skipped(format string, args ...any) StageResult {
	return StageResult{Status: StageSkipped, Reason: fmt.Sprintf(format, args...)}
}

func failed(err error, format string, args ...any) StageResult {
	return StageResult{Status: StageFailed, Reason: fmt.Sprintf(format, args...), Err: err}
}
