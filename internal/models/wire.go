package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EncodeServiceRequest produces the bus wire body for r.
func EncodeServiceRequest(r ServiceRequest) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode service request %s: %w", r.ID, err)
	}
	return body, nil
}

// DecodeServiceRequest parses a bus wire body. Unknown fields are ignored and a
// missing status decodes as Queued; a body without an id or VIN is rejected.
func DecodeServiceRequest(body []byte) (ServiceRequest, error) {
	var r ServiceRequest
	if err := json.Unmarshal(body, &r); err != nil {
		return ServiceRequest{}, fmt.Errorf("decode service request: %w", err)
	}
	if r.ID == uuid.Nil {
		return ServiceRequest{}, errors.New("decode service request: missing id")
	}
	if r.VIN == "" {
		return ServiceRequest{}, fmt.Errorf("decode service request %s: missing vin", r.ID)
	}
	return r, nil
}
