// Package transmitter talks to the external submission authority. The
// remote protocol is opaque: login, submit, acknowledgement retrieval
// and logout, nothing more.
package transmitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/platform/env"
	"github.com/go-resty/resty/v2"
)

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("TRANSMITTER_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	probeTimeout, err := env.Duration("TRANSMITTER_PROBE_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:      env.String("TRANSMITTER_BASE_URL", "https://localhost:8443"),
		Timeout:      timeout,
		ProbeTimeout: probeTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("TRANSMITTER_BASE_URL is required")
	}
	if c.Timeout <= 0 {
		return errors.New("TRANSMITTER_TIMEOUT must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("TRANSMITTER_PROBE_TIMEOUT must be positive")
	}
	if c.ProbeTimeout > c.Timeout {
		return errors.New("TRANSMITTER_PROBE_TIMEOUT must be <= TRANSMITTER_TIMEOUT")
	}
	return nil
}

// Session is an authenticated transmitter session.
type Session struct {
	Token string
	ASID  string
}

// Acknowledgement is the transmitter's verdict on one submission.
type Acknowledgement struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	ReceivedAt   string `json:"receivedAt"`
}

// Client is the opaque remote interface. Implementations carry their
// own transport-level retry semantics.
type Client interface {
	Login(ctx context.Context) (Session, error)
	Submit(ctx context.Context, session Session, bundle domain.BundledArchives) (string, error)
	Acknowledgements(ctx context.Context, session Session, receiptID string) ([]Acknowledgement, error)
	Logout(ctx context.Context, session Session) error
	// Probe is a lightweight liveness round-trip with a short timeout.
	Probe(ctx context.Context) error
}

type HTTPClient struct {
	rest  *resty.Client
	probe *resty.Client
	pod   domain.PodIdentifier
}

// NewHTTPClient builds the real client. The pod identity selects the
// credentials (ASID, region) presented at login.
func NewHTTPClient(cfg Config, pod domain.PodIdentifier) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pod.Validate(); err != nil {
		return nil, fmt.Errorf("pod identity: %w", err)
	}
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	probe := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.ProbeTimeout).
		SetHeader("Accept", "application/json")
	return &HTTPClient{rest: rest, probe: probe, pod: pod}, nil
}

type loginResponse struct {
	Token string `json:"token"`
}

func (c *HTTPClient) Login(ctx context.Context) (Session, error) {
	if c == nil || c.rest == nil {
		return Session{}, errors.New("transmitter client not initialized")
	}
	var body loginResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"asid": c.pod.ASID, "region": c.pod.Region}).
		SetResult(&body).
		Post("/mef/login")
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if resp.IsError() {
		return Session{}, fmt.Errorf("login: status %d", resp.StatusCode())
	}
	if strings.TrimSpace(body.Token) == "" {
		return Session{}, errors.New("login: empty session token")
	}
	return Session{Token: body.Token, ASID: c.pod.ASID}, nil
}

type submitResponse struct {
	ReceiptID string `json:"receiptId"`
}

func (c *HTTPClient) Submit(ctx context.Context, session Session, bundle domain.BundledArchives) (string, error) {
	if c == nil || c.rest == nil {
		return "", errors.New("transmitter client not initialized")
	}
	if err := bundle.Validate(); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	var body submitResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(session.Token).
		SetHeader("Content-Type", "application/zip").
		SetHeader("X-Object-Key", bundle.ObjectKey).
		SetBody(bytes.NewReader(bundle.Payload)).
		SetResult(&body).
		Post("/mef/submit")
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submit: status %d", resp.StatusCode())
	}
	if strings.TrimSpace(body.ReceiptID) == "" {
		return "", errors.New("submit: empty receipt id")
	}
	return body.ReceiptID, nil
}

func (c *HTTPClient) Acknowledgements(ctx context.Context, session Session, receiptID string) ([]Acknowledgement, error) {
	if c == nil || c.rest == nil {
		return nil, errors.New("transmitter client not initialized")
	}
	var acks []Acknowledgement
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(session.Token).
		SetQueryParam("receiptId", strings.TrimSpace(receiptID)).
		SetResult(&acks).
		Get("/mef/acknowledgements")
	if err != nil {
		return nil, fmt.Errorf("acknowledgements: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("acknowledgements: status %d", resp.StatusCode())
	}
	return acks, nil
}

func (c *HTTPClient) Logout(ctx context.Context, session Session) error {
	if c == nil || c.rest == nil {
		return errors.New("transmitter client not initialized")
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(session.Token).
		Post("/mef/logout")
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("logout: status %d", resp.StatusCode())
	}
	return nil
}

// Probe performs a login/logout round-trip on the short-timeout client.
func (c *HTTPClient) Probe(ctx context.Context) error {
	if c == nil || c.probe == nil {
		return errors.New("transmitter client not initialized")
	}
	var body loginResponse
	resp, err := c.probe.R().
		SetContext(ctx).
		SetBody(map[string]string{"asid": c.pod.ASID, "region": c.pod.Region}).
		SetResult(&body).
		Post("/mef/login")
	if err != nil {
		return fmt.Errorf("probe login: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("probe login: status %d", resp.StatusCode())
	}
	resp, err = c.probe.R().
		SetContext(ctx).
		SetAuthToken(body.Token).
		Post("/mef/logout")
	if err != nil {
		return fmt.Errorf("probe logout: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("probe logout: status %d", resp.StatusCode())
	}
	return nil
}
