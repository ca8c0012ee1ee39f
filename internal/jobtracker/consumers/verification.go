package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/verification"
)

const reportSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["tag", "classification"],
    "properties": {
      "tag": {"type": "string", "minLength": 1},
      "classification": {"type": "string", "minLength": 1},
      "value": {"type": "string"}
    }
  }
}`

var compiledReportSchema = jsonschema.MustCompileString("report.json", reportSchema)

// VerificationConsumer validates verification results and hands them to the batch buffer. Deliveries are
// acknowledged once the buffer reports them persisted, either right after an enqueue or on the periodic
// acknowledgement tick.
type VerificationConsumer struct {
	base
	buffer      *verification.Buffer[Delivery]
	clock       clock.WithTicker
	ackInterval time.Duration
}

func NewVerificationConsumer(
	buffer *verification.Buffer[Delivery],
	clock clock.WithTicker,
	ackInterval time.Duration,
	m *metrics.Metrics,
) *VerificationConsumer {
	return &VerificationConsumer{
		base:        newBase(KindVerification, 0, nil, m),
		buffer:      buffer,
		clock:       clock,
		ackInterval: ackInterval,
	}
}

func (c *VerificationConsumer) Handle(_ context.Context, delivery Delivery) {
	outcome, err := c.parse(delivery)
	if err != nil {
		c.settle(delivery, "", err)
		return
	}
	if err := c.buffer.Enqueue(outcome, delivery.Header(), delivery); err != nil {
		c.settle(delivery, outcome.JobId, &trackererrors.ErrTransient{Err: err})
		return
	}
	c.settleBuffered()
}

// Run acknowledges persisted deliveries every ackInterval until ctx is cancelled.
func (c *VerificationConsumer) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.settleBuffered()
			return nil
		case <-ticker.C():
			c.settleBuffered()
		}
	}
}

func (c *VerificationConsumer) settleBuffered() {
	for _, entry := range c.buffer.TakeProcessed() {
		c.settle(entry.Tag, entry.Outcome.JobId, nil)
	}
	for _, rejection := range c.buffer.TakeRejected() {
		c.settle(rejection.Entry.Tag, rejection.Entry.Outcome.JobId, rejection.Err)
	}
}

// parse builds the outcome of a verification message. A report that does not match the report schema is
// rejected before it reaches the buffer.
func (c *VerificationConsumer) parse(delivery Delivery) (*model.FileOutcome, error) {
	msg := &VerificationMessage{}
	if err := decode(delivery.Payload(), msg); err != nil {
		return nil, err
	}
	findings, err := parseReport(msg.Report)
	if err != nil {
		return nil, err
	}
	outcome := &model.FileOutcome{
		JobId:      msg.JobId,
		OutputPath: msg.OutputPath,
		Status:     model.Success,
		Header:     delivery.Header(),
	}
	if len(findings) > 0 {
		outcome.Status = model.VerificationFailed
		outcome.Reason = fmt.Sprintf("%d identifiable elements found", len(findings))
		outcome.Report = findings
	}
	return outcome, nil
}

func parseReport(report json.RawMessage) ([]model.Finding, error) {
	invalid := func(err error) error {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "report",
			Value:   string(report),
			Message: err.Error(),
		})
	}
	var document interface{}
	if err := json.Unmarshal(report, &document); err != nil {
		return nil, invalid(err)
	}
	if err := compiledReportSchema.Validate(document); err != nil {
		return nil, invalid(err)
	}
	var findings []model.Finding
	if err := json.Unmarshal(report, &findings); err != nil {
		return nil, invalid(err)
	}
	return findings, nil
}

var _ Consumer = &VerificationConsumer{}

