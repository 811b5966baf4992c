package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks input rejected before it enters the pipeline.
var ErrInvalid = errors.New("invalid input")

// Car is a vehicle registered by VIN.
type Car struct {
	VIN   string `json:"vin"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
	Trim  string `json:"trim,omitempty"`
}

// ServiceRequest is a unit of work moving through the pipeline.
// Only Status and FailureReason change after creation.
type ServiceRequest struct {
	ID            uuid.UUID `json:"id"`
	VIN           string    `json:"vin"`
	Concern       string    `json:"concern"`
	Priority      int       `json:"priority"`
	CreatedUTC    time.Time `json:"createdUtc"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// ServiceOrder is the fulfillment outcome of a request, one per request id.
type ServiceOrder struct {
	RequestID     uuid.UUID `json:"requestId"`
	Technician    string    `json:"technician"`
	Findings      string    `json:"findings"`
	EstimatedCost float64   `json:"estimatedCost"`
	CompletedUTC  time.Time `json:"completedUtc"`
}

// NewServiceRequest builds a Queued request with a fresh id. Inputs are trimmed.
func NewServiceRequest(vin, concern string, priority int, now time.Time) ServiceRequest {
	return ServiceRequest{
		ID:         uuid.New(),
		VIN:        strings.TrimSpace(vin),
		Concern:    strings.TrimSpace(concern),
		Priority:   priority,
		CreatedUTC: now.UTC(),
		Status:     StatusQueued,
	}
}

// Transition returns a copy of r moved to status to. The failure reason is kept
// only for Failed, where it is required.
func (r ServiceRequest) Transition(to Status, reason string) (ServiceRequest, error) {
	if !CanTransition(r.Status, to) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	next := r
	next.Status = to
	next.FailureReason = ""
	if to == StatusFailed {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "unknown failure"
		}
		next.FailureReason = reason
	}
	return next, nil
}

// ValidateCar checks a car before it is stored.
func ValidateCar(c Car) error {
	switch {
	case len(strings.TrimSpace(c.VIN)) < 11:
		return fmt.Errorf("%w: VIN is required (>= 11 chars)", ErrInvalid)
	case strings.TrimSpace(c.Make) == "":
		return fmt.Errorf("%w: make is required", ErrInvalid)
	case strings.TrimSpace(c.Model) == "":
		return fmt.Errorf("%w: model is required", ErrInvalid)
	case c.Year < 1980 || c.Year > 2100:
		return fmt.Errorf("%w: year must be 1980-2100", ErrInvalid)
	}
	return nil
}

// ValidateServiceRequest checks a request before it is persisted and published.
func ValidateServiceRequest(r ServiceRequest) error {
	switch {
	case strings.TrimSpace(r.VIN) == "":
		return fmt.Errorf("%w: VIN is required", ErrInvalid)
	case strings.TrimSpace(r.Concern) == "":
		return fmt.Errorf("%w: concern is required", ErrInvalid)
	case r.Priority < 1 || r.Priority > 5:
		return fmt.Errorf("%w: priority must be 1..5", ErrInvalid)
	}
	return nil
}
