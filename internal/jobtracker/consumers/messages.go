package consumers

import (
	"encoding/json"

	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

type JobSubmissionMessage struct {
	JobId string `json:"jobId" validate:"required"`
	model.JobSubmission
}

type FileCollectionMessage struct {
	JobId      string                 `json:"jobId" validate:"required"`
	KeyValue   string                 `json:"keyValue" validate:"required"`
	Files      []model.DispatchedFile `json:"files" validate:"dive"`
	Rejections map[string]int         `json:"rejections" validate:"dive,gte=0"`
}

type FileOutcomeMessage struct {
	JobId      string              `json:"jobId" validate:"required"`
	OutputPath string              `json:"outputPath" validate:"required"`
	Status     model.OutcomeStatus `json:"status" validate:"required,oneof=Success VerificationFailed ErrorWontRetry ErrorCanRetry"`
	Reason     string              `json:"reason,omitempty"`
}

// VerificationMessage carries the findings of the identifiability check of one output file. An empty report
// means the file is clean.
type VerificationMessage struct {
	JobId      string          `json:"jobId" validate:"required"`
	OutputPath string          `json:"outputPath" validate:"required"`
	Report     json.RawMessage `json:"report" validate:"required"`
}
