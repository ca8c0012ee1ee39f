package model

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type JobStatus string

const (
	AwaitingJobInfo        JobStatus = "AwaitingJobInfo"
	AwaitingCollectionInfo JobStatus = "AwaitingCollectionInfo"
	AwaitingOutcomes       JobStatus = "AwaitingOutcomes"
	Ready                  JobStatus = "Ready"
	Archived               JobStatus = "Archived"
	Quarantined            JobStatus = "Quarantined"
)

func (s JobStatus) IsTerminal() bool {
	return s == Archived || s == Quarantined
}

// JobSubmission is the information supplied when an extraction is requested.
type JobSubmission struct {
	ProjectNumber     string    `json:"projectNumber" yaml:"projectNumber" validate:"required"`
	ExtractionDir     string    `json:"extractionDir" yaml:"extractionDir" validate:"required"`
	SubmittedAt       time.Time `json:"submittedAt" yaml:"submittedAt" validate:"required"`
	KeyTag            string    `json:"keyTag" yaml:"keyTag" validate:"required"`
	RequestedKeyCount int       `json:"requestedKeyCount" yaml:"requestedKeyCount" validate:"gte=0"`
	Modality          string    `json:"modality,omitempty" yaml:"modality,omitempty"`
	Identifiable      bool      `json:"identifiable" yaml:"identifiable"`
	NoFilter          bool      `json:"noFilter" yaml:"noFilter"`
	UserName          string    `json:"userName,omitempty" yaml:"userName,omitempty"`
}

type DispatchedFile struct {
	MessageId  string `json:"messageId" yaml:"messageId"`
	OutputPath string `json:"outputPath" yaml:"outputPath" validate:"required"`
}

// PerKeyFileCollection lists the output files dispatched for one key value.
type PerKeyFileCollection struct {
	KeyValue string           `json:"keyValue" yaml:"keyValue"`
	Files    []DispatchedFile `json:"files" yaml:"files"`
	Header   MessageHeader    `json:"header" yaml:"header"`
}

// PerKeyRejection counts, per reason, the files of one key value that were excluded before dispatch.
type PerKeyRejection struct {
	KeyValue   string         `json:"keyValue" yaml:"keyValue"`
	Rejections map[string]int `json:"rejections" yaml:"rejections"`
}

func (r *PerKeyRejection) Total() int {
	total := 0
	for _, count := range r.Rejections {
		total += count
	}
	return total
}

// ExtractionJob is the aggregate record of one extraction. It can be created either by its submission or by
// the first file collection to arrive, and the two are merged as further messages come in.
type ExtractionJob struct {
	JobId               string                  `json:"jobId" yaml:"jobId"`
	Status              JobStatus               `json:"status" yaml:"status"`
	Submission          *JobSubmission          `json:"submission,omitempty" yaml:"submission,omitempty"`
	SubmissionHeader    *MessageHeader          `json:"submissionHeader,omitempty" yaml:"submissionHeader,omitempty"`
	FileCollections     []*PerKeyFileCollection `json:"fileCollections" yaml:"fileCollections"`
	Rejections          []*PerKeyRejection      `json:"rejections" yaml:"rejections"`
	CollectionsReceived int                     `json:"collectionsReceived" yaml:"collectionsReceived"`
	DispatchedFiles     int                     `json:"dispatchedFiles" yaml:"dispatchedFiles"`
	Version             int64                   `json:"version" yaml:"-"`
	CreatedAt           time.Time               `json:"createdAt" yaml:"createdAt"`
	LastUpdated         time.Time               `json:"lastUpdated" yaml:"lastUpdated"`
}

// RequestedKeyCount is zero until the submission has been received.
func (job *ExtractionJob) RequestedKeyCount() int {
	if job.Submission == nil {
		return 0
	}
	return job.Submission.RequestedKeyCount
}

// UpdateStatus derives the status of an active job from what has been received so far.
func (job *ExtractionJob) UpdateStatus() {
	switch {
	case job.Submission == nil:
		job.Status = AwaitingJobInfo
	case job.CollectionsReceived < job.Submission.RequestedKeyCount:
		job.Status = AwaitingCollectionInfo
	default:
		job.Status = AwaitingOutcomes
	}
}

// IsStructurallyComplete reports whether every requested key has reported its file collection.
func (job *ExtractionJob) IsStructurallyComplete() bool {
	return job.Submission != nil && job.CollectionsReceived == job.Submission.RequestedKeyCount
}

func (job *ExtractionJob) FileCollection(keyValue string) *PerKeyFileCollection {
	for _, collection := range job.FileCollections {
		if collection.KeyValue == keyValue {
			return collection
		}
	}
	return nil
}

func (job *ExtractionJob) Rejection(keyValue string) *PerKeyRejection {
	for _, rejection := range job.Rejections {
		if rejection.KeyValue == keyValue {
			return rejection
		}
	}
	return nil
}

// DispatchedPaths returns, for every dispatched output path, the key values it was dispatched under.
func (job *ExtractionJob) DispatchedPaths() map[string][]string {
	paths := make(map[string][]string, job.DispatchedFiles)
	for _, collection := range job.FileCollections {
		for _, file := range collection.Files {
			paths[file.OutputPath] = append(paths[file.OutputPath], collection.KeyValue)
		}
	}
	return paths
}

// RejectionTotals sums rejection counts per reason over all key values.
func (job *ExtractionJob) RejectionTotals() map[string]int {
	totals := make(map[string]int)
	for _, rejection := range job.Rejections {
		for reason, count := range rejection.Rejections {
			totals[reason] += count
		}
	}
	return totals
}

func (job *ExtractionJob) DeepCopy() *ExtractionJob {
	if job == nil {
		return nil
	}
	copied := *job
	if job.Submission != nil {
		submission := *job.Submission
		copied.Submission = &submission
	}
	if job.SubmissionHeader != nil {
		header := job.SubmissionHeader.DeepCopy()
		copied.SubmissionHeader = &header
	}
	copied.FileCollections = make([]*PerKeyFileCollection, len(job.FileCollections))
	for i, collection := range job.FileCollections {
		copied.FileCollections[i] = collection.DeepCopy()
	}
	copied.Rejections = make([]*PerKeyRejection, len(job.Rejections))
	for i, rejection := range job.Rejections {
		copied.Rejections[i] = rejection.DeepCopy()
	}
	return &copied
}

func (c *PerKeyFileCollection) DeepCopy() *PerKeyFileCollection {
	return &PerKeyFileCollection{
		KeyValue: c.KeyValue,
		Files:    slices.Clone(c.Files),
		Header:   c.Header.DeepCopy(),
	}
}

func (r *PerKeyRejection) DeepCopy() *PerKeyRejection {
	copied := &PerKeyRejection{KeyValue: r.KeyValue}
	if r.Rejections != nil {
		copied.Rejections = maps.Clone(r.Rejections)
	}
	return copied
}

// ArchivedJob is a job whose report was generated successfully.
type ArchivedJob struct {
	Job         *ExtractionJob `json:"job" yaml:"job"`
	CompletedAt time.Time      `json:"completedAt" yaml:"completedAt"`
}

// QuarantinedJob is a job that was found to be inconsistent and needs manual remediation.
type QuarantinedJob struct {
	Job           *ExtractionJob `json:"job" yaml:"job"`
	Cause         string         `json:"cause" yaml:"cause"`
	QuarantinedAt time.Time      `json:"quarantinedAt" yaml:"quarantinedAt"`
}

// CompletedJob is the read-only view of a reconciled job handed to report generators and notifiers.
type CompletedJob struct {
	JobId            string                  `json:"jobId" yaml:"jobId"`
	Submission       JobSubmission           `json:"submission" yaml:"submission"`
	SubmissionHeader MessageHeader           `json:"submissionHeader" yaml:"submissionHeader"`
	FileCollections  []*PerKeyFileCollection `json:"fileCollections" yaml:"fileCollections"`
	Rejections       []*PerKeyRejection      `json:"rejections" yaml:"rejections"`
	DispatchedFiles  int                     `json:"dispatchedFiles" yaml:"dispatchedFiles"`
	CreatedAt        time.Time               `json:"createdAt" yaml:"createdAt"`
}

// NewCompletedJob builds the read-only view of job. job must have received its submission.
func NewCompletedJob(job *ExtractionJob) *CompletedJob {
	copied := job.DeepCopy()
	completed := &CompletedJob{
		JobId:           copied.JobId,
		FileCollections: copied.FileCollections,
		Rejections:      copied.Rejections,
		DispatchedFiles: copied.DispatchedFiles,
		CreatedAt:       copied.CreatedAt,
	}
	if copied.Submission != nil {
		completed.Submission = *copied.Submission
	}
	if copied.SubmissionHeader != nil {
		completed.SubmissionHeader = *copied.SubmissionHeader
	}
	return completed
}
