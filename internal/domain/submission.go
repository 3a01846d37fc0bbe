package domain

import (
	"errors"
	"strings"
	"time"
)

// TinType identifies the taxpayer identification number kind carried
// by a submission.
type TinType string

const (
	TinTypeSSN  TinType = "ssn"
	TinTypeITIN TinType = "itin"
)

// UserSubmission is one tax return's submission payload plus routing
// metadata. It is owned by exactly one batch once appended and is
// immutable afterwards.
type UserSubmission struct {
	ID            string
	TaxReturnID   string
	SubmissionID  string
	BatchID       int64
	ApplicationID string
	TinType       TinType
	Payload       []byte
	CreatedAt     time.Time
}

func (s UserSubmission) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(s.TaxReturnID) == "" {
		return errors.New("tax return id is required")
	}
	if strings.TrimSpace(s.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(s.ApplicationID) == "" {
		return errors.New("application id is required")
	}
	if len(s.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// Context echoes the submission's identity for diagnostics on archive
// and transmission failures.
func (s UserSubmission) Context() UserContextData {
	return UserContextData{
		TaxReturnID:  s.TaxReturnID,
		SubmissionID: s.SubmissionID,
		TinType:      s.TinType,
	}
}

// UserContextData is carried alongside pipeline errors purely for
// diagnostics; it is never persisted.
type UserContextData struct {
	TaxReturnID  string
	SubmissionID string
	TinType      TinType
}

// PodIdentifier maps a process instance to its external transmitter
// identity. Populated out of band; read-only at runtime.
type PodIdentifier struct {
	PodID  string
	ASID   string
	Region string
}

func (p PodIdentifier) Validate() error {
	if strings.TrimSpace(p.PodID) == "" {
		return errors.New("pod id is required")
	}
	if strings.TrimSpace(p.ASID) == "" {
		return errors.New("asid is required")
	}
	if strings.TrimSpace(p.Region) == "" {
		return errors.New("region is required")
	}
	return nil
}
