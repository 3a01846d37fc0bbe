// Package dispatch consumes versioned inbound submission-dispatch
// messages and feeds them to the batch assembler.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// VersionHeader carries the message schema version when the top-level
// version field is absent.
const VersionHeader = "VERSION"

// ErrUnsupportedVersion marks a message whose schema version has no
// registered decoder. The message must not be acknowledged; the queue
// redelivers or dead-letters it.
var ErrUnsupportedVersion = errors.New("unsupported dispatch message version")

// Envelope is the wire form of an inbound dispatch message.
type Envelope struct {
	Version string            `json:"version"`
	Headers map[string]string `json:"headers"`
	Payload json.RawMessage   `json:"payload"`
}

// Dispatch is the decoded submission dispatch record.
type Dispatch struct {
	TaxReturnID   string
	SubmissionID  string
	ApplicationID string
	TinType       string
	ReturnXML     []byte
}

func (d Dispatch) Validate() error {
	if strings.TrimSpace(d.TaxReturnID) == "" {
		return errors.New("tax return id is required")
	}
	if strings.TrimSpace(d.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(d.ApplicationID) == "" {
		return errors.New("application id is required")
	}
	if len(d.ReturnXML) == 0 {
		return errors.New("return xml is required")
	}
	return nil
}

type decodeFunc func(payload json.RawMessage) (Dispatch, error)

// Decoders are looked up by version string. Future schema versions are
// additive entries here.
var decoders = map[string]decodeFunc{
	"1.0": decodeV1,
}

// Decode parses an envelope and resolves its version to a payload
// decoder. A known version with a malformed payload is just as fatal
// for the message as an unknown version.
func Decode(raw []byte) (Dispatch, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Dispatch{}, fmt.Errorf("parse envelope: %w", err)
	}
	version := strings.TrimSpace(envelope.Version)
	if version == "" {
		version = strings.TrimSpace(envelope.Headers[VersionHeader])
	}
	if version == "" {
		return Dispatch{}, fmt.Errorf("%w: missing version", ErrUnsupportedVersion)
	}
	decode, ok := decoders[version]
	if !ok {
		return Dispatch{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	dispatch, err := decode(envelope.Payload)
	if err != nil {
		return Dispatch{}, fmt.Errorf("decode version %s payload: %w", version, err)
	}
	if err := dispatch.Validate(); err != nil {
		return Dispatch{}, fmt.Errorf("decode version %s payload: %w", version, err)
	}
	return dispatch, nil
}

type payloadV1 struct {
	Dispatch struct {
		TaxReturnID   string `json:"taxReturnId"`
		SubmissionID  string `json:"submissionId"`
		ApplicationID string `json:"applicationId"`
		TinType       string `json:"tinType"`
		ReturnXML     []byte `json:"returnXml"`
	} `json:"dispatch"`
}

func decodeV1(payload json.RawMessage) (Dispatch, error) {
	if len(payload) == 0 {
		return Dispatch{}, errors.New("payload is required")
	}
	var p payloadV1
	if err := json.Unmarshal(payload, &p); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{
		TaxReturnID:   p.Dispatch.TaxReturnID,
		SubmissionID:  p.Dispatch.SubmissionID,
		ApplicationID: p.Dispatch.ApplicationID,
		TinType:       p.Dispatch.TinType,
		ReturnXML:     p.Dispatch.ReturnXML,
	}, nil
}
