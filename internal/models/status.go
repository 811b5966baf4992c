package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle position of a service request.
type Status int

// Lifecycle states. The numeric values are persisted by the stores.
const (
	StatusQueued Status = iota
	StatusDiagnosing
	StatusComplete
	StatusFailed
)

// ErrInvalidTransition is returned when a status change is not part of the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

var statusNames = [...]string{"Queued", "Diagnosing", "Complete", "Failed"}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	return s >= StatusQueued && s <= StatusFailed
}

// Terminal reports whether no further worker-driven transition follows within an attempt.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// transitions lists the allowed targets per source state.
// Diagnosing is reachable from every state because the bus delivers at least once:
// a redelivered or resubmitted request restarts its processing pass.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusQueued, StatusDiagnosing},
	StatusDiagnosing: {StatusDiagnosing, StatusComplete, StatusFailed},
	StatusComplete:   {StatusDiagnosing},
	StatusFailed:     {StatusQueued, StatusDiagnosing},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name (case-insensitive) or its numeric value.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	for i, name := range statusNames {
		if strings.EqualFold(name, v) {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal status: %w", fmt.Errorf("unknown status %d", int(s)))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both the name and the numeric form so older producers keep decoding.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("status must be a string or integer: %w", err)
	}
	if !Status(n).Valid() {
		return fmt.Errorf("unknown status %d", n)
	}
	*s = Status(n)
	return nil
}
