package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtr002/render-queue/internal/interfaces"
)

const (
	PriorityUrgent  = 5
	PriorityDefault = 10

	DefaultMaxRetries = 3

	// ListJobs page size bounds.
	DefaultListLimit = 50
	MaxListLimit     = 500

	DefaultStatsWindowHours = 24
)

// Payload is the closed set of job payloads. Each job type has exactly one
// payload struct; the unexported marker keeps the set closed to this package.
type Payload interface {
	JobType() interfaces.JobType
	// DedupKey is the payload field that identifies an equivalent job of the same type.
	DedupKey() string
	Validate() error
	isPayload()
}

// BookRef points at one personalized book of an order.
type BookRef struct {
	GenerationID string `json:"generationId"`
	ConfigID     string `json:"configId"`
	Title        string `json:"title,omitempty"`
}

// Label is the human-facing name used in logs and partial batch errors.
func (b BookRef) Label() string {
	if b.Title != "" {
		return fmt.Sprintf("%s (%s)", b.Title, b.ConfigID)
	}
	return b.ConfigID
}

// PrintGenerationPayload renders print-ready artifacts for every book of a paid order.
type PrintGenerationPayload struct {
	WoocommerceOrderID string    `json:"woocommerceOrderId"`
	OrderID            string    `json:"orderId,omitempty"`
	Books              []BookRef `json:"books"`
}

func (p *PrintGenerationPayload) JobType() interfaces.JobType {
	return interfaces.TypePrintGeneration
}
func (p *PrintGenerationPayload) DedupKey() string { return p.WoocommerceOrderID }
func (p *PrintGenerationPayload) Validate() error {
	if strings.TrimSpace(p.WoocommerceOrderID) == "" {
		return &ValidationError{Field: "woocommerceOrderId", Reason: "is required"}
	}
	return validateBooks(p.Books)
}
func (*PrintGenerationPayload) isPayload() {}

// PreviewGenerationPayload renders low-resolution previews for customer approval.
type PreviewGenerationPayload struct {
	OrderID    string    `json:"orderId"`
	WooOrderID string    `json:"wooOrderId,omitempty"`
	Books      []BookRef `json:"books"`
}

func (p *PreviewGenerationPayload) JobType() interfaces.JobType {
	return interfaces.TypePreviewGeneration
}
func (p *PreviewGenerationPayload) DedupKey() string { return p.OrderID }
func (p *PreviewGenerationPayload) Validate() error {
	if strings.TrimSpace(p.OrderID) == "" {
		return &ValidationError{Field: "orderId", Reason: "is required"}
	}
	return validateBooks(p.Books)
}
func (*PreviewGenerationPayload) isPayload() {}

// ContentGenerationPayload generates scene images for a single generation.
type ContentGenerationPayload struct {
	GenerationID string `json:"generationId"`
	OrderNumber  string `json:"orderNumber,omitempty"`
	ModelID      string `json:"modelId,omitempty"`
}

func (p *ContentGenerationPayload) JobType() interfaces.JobType {
	return interfaces.TypeContentGeneration
}
func (p *ContentGenerationPayload) DedupKey() string { return p.GenerationID }
func (p *ContentGenerationPayload) Validate() error {
	if strings.TrimSpace(p.GenerationID) == "" {
		return &ValidationError{Field: "generationId", Reason: "is required"}
	}
	return nil
}
func (*ContentGenerationPayload) isPayload() {}

func validateBooks(books []BookRef) error {
	if len(books) == 0 {
		return &ValidationError{Field: "books", Reason: "at least one book is required"}
	}
	seen := make(map[string]bool, len(books))
	for i, b := range books {
		if b.GenerationID == "" {
			return &ValidationError{Field: fmt.Sprintf("books[%d].generationId", i), Reason: "is required"}
		}
		if b.ConfigID == "" {
			return &ValidationError{Field: fmt.Sprintf("books[%d].configId", i), Reason: "is required"}
		}
		// config ids name folders in the combined archive
		if seen[b.ConfigID] {
			return &ValidationError{Field: fmt.Sprintf("books[%d].configId", i), Reason: "duplicate config id " + b.ConfigID}
		}
		seen[b.ConfigID] = true
	}
	return nil
}

// DecodePayload decodes a stored payload into the struct for jobType.
func DecodePayload(jobType interfaces.JobType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch jobType {
	case interfaces.TypePrintGeneration:
		p = &PrintGenerationPayload{}
	case interfaces.TypePreviewGeneration:
		p = &PreviewGenerationPayload{}
	case interfaces.TypeContentGeneration:
		p = &ContentGenerationPayload{}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "is required"}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return p, nil
}

// PayloadOf decodes the payload of a stored job.
func PayloadOf(job *interfaces.Job) (Payload, error) {
	return DecodePayload(job.Type, job.Payload)
}
