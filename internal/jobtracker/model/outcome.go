package model

import (
	"time"

	"golang.org/x/exp/slices"
)

type OutcomeStatus string

const (
	// The file was anonymised and passed identifiability verification.
	Success OutcomeStatus = "Success"
	// The anonymised file still contains identifiable data.
	VerificationFailed OutcomeStatus = "VerificationFailed"
	// Anonymisation failed in a way that will not succeed if retried.
	ErrorWontRetry OutcomeStatus = "ErrorWontRetry"
	// Anonymisation failed transiently and the file may be reprocessed.
	ErrorCanRetry OutcomeStatus = "ErrorCanRetry"
)

var OutcomeStatuses = []OutcomeStatus{Success, VerificationFailed, ErrorWontRetry, ErrorCanRetry}

func (s OutcomeStatus) IsValid() bool {
	return slices.Contains(OutcomeStatuses, s)
}

// Finding is one classified element of a verification report, e.g. a tag value recognised as a name.
type Finding struct {
	Tag            string `json:"tag" yaml:"tag"`
	Classification string `json:"classification" yaml:"classification"`
	Value          string `json:"value,omitempty" yaml:"value,omitempty"`
}

// FileOutcome is the result of anonymising and verifying one dispatched output file.
type FileOutcome struct {
	JobId      string        `json:"jobId" yaml:"jobId"`
	OutputPath string        `json:"outputPath" yaml:"outputPath"`
	Status     OutcomeStatus `json:"status" yaml:"status"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Report     []Finding     `json:"report,omitempty" yaml:"report,omitempty"`
	Header     MessageHeader `json:"header" yaml:"header"`
	RecordedAt time.Time     `json:"recordedAt" yaml:"recordedAt"`
}

// SameResult reports whether two outcomes for the same file carry the same result, ignoring provenance.
func (o *FileOutcome) SameResult(other *FileOutcome) bool {
	return o.JobId == other.JobId &&
		o.OutputPath == other.OutputPath &&
		o.Status == other.Status &&
		o.Reason == other.Reason &&
		slices.Equal(o.Report, other.Report)
}

// Supersedes reports whether o may replace a different outcome already recorded for the same file. Only a
// retryable error is replaced, by whatever the retry produced.
func (o *FileOutcome) Supersedes(existing *FileOutcome) bool {
	return existing.Status == ErrorCanRetry
}

func (o *FileOutcome) DeepCopy() *FileOutcome {
	copied := *o
	copied.Report = slices.Clone(o.Report)
	copied.Header = o.Header.DeepCopy()
	return &copied
}
