// Package report produces the operator-facing report of an archived job.
package report

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

// OutcomeStream calls fn for every outcome of the job being reported on, stopping at the first error.
type OutcomeStream func(ctx context.Context, fn func(*model.FileOutcome) error) error

// Generator is invoked once a job has been reconciled. An error quarantines the job.
type Generator interface {
	Generate(ctx context.Context, job *model.CompletedJob, outcomes OutcomeStream) error
}

// Summary is the document written by SummaryGenerator.
type Summary struct {
	JobId             string                      `yaml:"jobId"`
	ProjectNumber     string                      `yaml:"projectNumber"`
	ExtractionDir     string                      `yaml:"extractionDir"`
	KeyTag            string                      `yaml:"keyTag"`
	Modality          string                      `yaml:"modality,omitempty"`
	Identifiable      bool                        `yaml:"identifiable"`
	NoFilter          bool                        `yaml:"noFilter"`
	UserName          string                      `yaml:"userName,omitempty"`
	SubmittedAt       time.Time                   `yaml:"submittedAt"`
	GeneratedAt       time.Time                   `yaml:"generatedAt"`
	RequestedKeyCount int                         `yaml:"requestedKeyCount"`
	DispatchedFiles   int                         `yaml:"dispatchedFiles"`
	Outcomes          map[model.OutcomeStatus]int `yaml:"outcomes"`
	Rejections        map[string]int              `yaml:"rejections"`
	Keys              []KeySummary                `yaml:"keys"`
	FailedFiles       []FailedFile                `yaml:"failedFiles,omitempty"`
}

type KeySummary struct {
	KeyValue        string `yaml:"keyValue"`
	DispatchedFiles int    `yaml:"dispatchedFiles"`
	RejectedFiles   int    `yaml:"rejectedFiles"`
}

type FailedFile struct {
	OutputPath string              `yaml:"outputPath"`
	Status     model.OutcomeStatus `yaml:"status"`
	Reason     string              `yaml:"reason,omitempty"`
	Findings   []model.Finding     `yaml:"findings,omitempty"`
}

// SummaryGenerator writes a yaml summary to <root>/<extraction dir>/reports/<job id>.yaml.
type SummaryGenerator struct {
	fs    afero.Fs
	root  string
	clock clock.PassiveClock
}

func NewSummaryGenerator(fs afero.Fs, root string, clock clock.PassiveClock) *SummaryGenerator {
	return &SummaryGenerator{
		fs:    fs,
		root:  root,
		clock: clock,
	}
}

func (g *SummaryGenerator) Generate(ctx context.Context, job *model.CompletedJob, outcomes OutcomeStream) error {
	summary, err := Summarise(ctx, job, outcomes)
	if err != nil {
		return err
	}
	summary.GeneratedAt = g.clock.Now().UTC()

	data, err := yaml.Marshal(summary)
	if err != nil {
		return errors.WithStack(err)
	}
	path := g.Path(job)
	if err := g.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	// Write then rename, so that a report that exists is always complete.
	tmp := path + ".tmp"
	if err := afero.WriteFile(g.fs, tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(g.fs.Rename(tmp, path))
}

// Path is where the report of job is written.
func (g *SummaryGenerator) Path(job *model.CompletedJob) string {
	return filepath.Join(g.root, job.Submission.ExtractionDir, "reports", job.JobId+".yaml")
}

// Summarise counts the outcomes and rejections of job.
func Summarise(ctx context.Context, job *model.CompletedJob, outcomes OutcomeStream) (*Summary, error) {
	summary := &Summary{
		JobId:             job.JobId,
		ProjectNumber:     job.Submission.ProjectNumber,
		ExtractionDir:     job.Submission.ExtractionDir,
		KeyTag:            job.Submission.KeyTag,
		Modality:          job.Submission.Modality,
		Identifiable:      job.Submission.Identifiable,
		NoFilter:          job.Submission.NoFilter,
		UserName:          job.Submission.UserName,
		SubmittedAt:       job.Submission.SubmittedAt.UTC(),
		RequestedKeyCount: job.Submission.RequestedKeyCount,
		DispatchedFiles:   job.DispatchedFiles,
		Outcomes:          make(map[model.OutcomeStatus]int, len(model.OutcomeStatuses)),
		Rejections:        make(map[string]int),
	}
	for _, status := range model.OutcomeStatuses {
		summary.Outcomes[status] = 0
	}

	rejected := make(map[string]int, len(job.Rejections))
	for _, rejection := range job.Rejections {
		rejected[rejection.KeyValue] = rejection.Total()
		for reason, count := range rejection.Rejections {
			summary.Rejections[reason] += count
		}
	}
	keys := make(map[string]*KeySummary, len(job.FileCollections))
	for _, collection := range job.FileCollections {
		keys[collection.KeyValue] = &KeySummary{
			KeyValue:        collection.KeyValue,
			DispatchedFiles: len(collection.Files),
			RejectedFiles:   rejected[collection.KeyValue],
		}
	}
	keyValues := maps.Keys(keys)
	slices.Sort(keyValues)
	for _, keyValue := range keyValues {
		summary.Keys = append(summary.Keys, *keys[keyValue])
	}

	err := outcomes(ctx, func(outcome *model.FileOutcome) error {
		summary.Outcomes[outcome.Status]++
		if outcome.Status != model.Success {
			summary.FailedFiles = append(summary.FailedFiles, FailedFile{
				OutputPath: outcome.OutputPath,
				Status:     outcome.Status,
				Reason:     outcome.Reason,
				Findings:   outcome.Report,
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading outcomes of job %s", job.JobId)
	}
	slices.SortFunc(summary.FailedFiles, func(a, b FailedFile) bool {
		return a.OutputPath < b.OutputPath
	})
	return summary, nil
}
