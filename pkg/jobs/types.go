package jobs

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/muxminus/stemd/pkg/ledger"
)

// JobID is the opaque unique token identifying a job.
type JobID struct {
	value string
}

// NewJobID validates and normalizes a job id.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return JobID{value: trimmed}, nil
}

// GenerateJobID returns a fresh random job id.
func GenerateJobID() JobID {
	return JobID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id JobID) String() string {
	return id.value
}

// Status defines the job lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusArchived   Status = "archived"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the status name.
func (status Status) String() string {
	return string(status)
}

// IsTerminal reports whether the status accepts no further worker
// activity. Archived is terminal for the sweeper as well.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// transitions is the full forward transition table. Anything absent
// here is a backward or invalid move and is rejected everywhere,
// admin overrides included.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusArchived},
	StatusFailed:     {StatusArchived},
	StatusCancelled:  {StatusArchived},
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from Status, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Operation selects the kind of work a job performs.
type Operation string

const (
	// OperationSeparation runs a single stem separation pass.
	OperationSeparation Operation = "separation"
	// OperationPipeline runs the two-stage separation plus lyrics pass.
	OperationPipeline Operation = "pipeline"
)

// Descriptor configures the external worker invocation. It is stored
// verbatim on the job and never changes after admission.
type Descriptor struct {
	Operation    Operation `json:"operation"`
	Model        string    `json:"model"`
	TwoStem      string    `json:"two_stem,omitempty"`
	OutputFormat string    `json:"output_format"`
}

var (
	validModels = map[string]bool{
		"htdemucs":    true,
		"htdemucs_ft": true,
		"htdemucs_6s": true,
		"hdemucs_mmi": true,
	}
	validTwoStems = map[string]bool{
		"vocals": true,
		"drums":  true,
		"bass":   true,
		"other":  true,
		"guitar": true,
		"piano":  true,
	}
	validFormats = map[string]bool{
		"mp3": true,
		"wav": true,
	}
)

// NewDescriptor validates a worker descriptor, filling defaults for
// empty model and output format.
func NewDescriptor(operation Operation, model string, twoStem string, outputFormat string) (Descriptor, error) {
	if operation != OperationSeparation && operation != OperationPipeline {
		return Descriptor{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidDescriptor, operation)
	}
	if model == "" {
		model = "htdemucs"
	}
	if !validModels[model] {
		return Descriptor{}, fmt.Errorf("%w: unknown model %q", ErrInvalidDescriptor, model)
	}
	if twoStem != "" && !validTwoStems[twoStem] {
		return Descriptor{}, fmt.Errorf("%w: unknown stem %q", ErrInvalidDescriptor, twoStem)
	}
	if outputFormat == "" {
		outputFormat = "mp3"
	}
	if !validFormats[outputFormat] {
		return Descriptor{}, fmt.Errorf("%w: unknown output format %q", ErrInvalidDescriptor, outputFormat)
	}
	return Descriptor{
		Operation:    operation,
		Model:        model,
		TwoStem:      twoStem,
		OutputFormat: outputFormat,
	}, nil
}

// Cost returns the fixed credit cost reserved at admission.
func (descriptor Descriptor) Cost() ledger.AmountTenths {
	switch descriptor.Operation {
	case OperationPipeline:
		return costPipelineTenths
	default:
		return costSeparationTenths
	}
}

// Job is the durable job record.
type Job struct {
	JobID            JobID
	AccountID        ledger.AccountID
	Filename         string
	InputPath        string
	Descriptor       Descriptor
	CostTenths       ledger.AmountTenths
	Status           Status
	ErrorMessage     string
	ArtifactPath     string
	Command          string
	Refunded         bool
	Deleted          bool
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
	CompletedUnixUTC int64
}
