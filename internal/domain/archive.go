package domain

import (
	"errors"
	"strings"
)

// SubmissionArchiveContainer is one submission rendered into its
// transmittable form. It lives only for the duration of a single
// pipeline run.
type SubmissionArchiveContainer struct {
	SubmissionID string
	TaxReturnID  string
	Name         string
	Content      []byte
	Context      UserContextData
}

func (c SubmissionArchiveContainer) Validate() error {
	if strings.TrimSpace(c.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("archive name is required")
	}
	if len(c.Content) == 0 {
		return errors.New("archive content is required")
	}
	return nil
}

// BundledArchives is the single transmittable unit built from all of a
// batch's archive containers. Consumed exactly once by the submit step;
// on transmission failure the object is relocated to the error folder
// instead of being discarded.
type BundledArchives struct {
	ApplicationID string
	ControlYear   int
	BatchID       int64
	ObjectKey     string
	SubmissionIDs []string
	Payload       []byte
}

func (b BundledArchives) Validate() error {
	if strings.TrimSpace(b.ApplicationID) == "" {
		return errors.New("application id is required")
	}
	if b.BatchID <= 0 {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(b.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if len(b.SubmissionIDs) == 0 {
		return errors.New("bundle contains no submissions")
	}
	if len(b.Payload) == 0 {
		return errors.New("bundle payload is required")
	}
	return nil
}
