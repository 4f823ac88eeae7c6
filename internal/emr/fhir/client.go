// Package fhir implements emr.Client against a FHIR R4 scheduling endpoint.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nightdesk/nightdesk/internal/emr"
)

const idempotencyKeySystem = "urn:nightdesk:booking-key"

// Client implements the emr.Client interface for FHIR R4 endpoints.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// OAuth 2.0 token management
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Config holds configuration for the FHIR client.
type Config struct {
	BaseURL      string
	ClientID     string // OAuth 2.0 client ID
	ClientSecret string // OAuth 2.0 client secret
	Timeout      time.Duration
}

// New creates a FHIR EMR client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fhir: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("fhir: ClientID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("fhir: ClientSecret is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// GetAvailability retrieves slots for a provider's schedule.
// FHIR: GET /Slot?schedule={providerID}&start=ge{start}&start=lt{end}
func (c *Client) GetAvailability(ctx context.Context, req emr.AvailabilityRequest) ([]emr.Slot, error) {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhir: authentication failed: %w", err)
	}

	params := url.Values{}
	if req.ProviderID != "" {
		params.Set("schedule", req.ProviderID)
	}
	params.Add("start", "ge"+req.StartDate.UTC().Format(time.RFC3339))
	params.Add("start", "lt"+req.EndDate.UTC().Format(time.RFC3339))

	endpoint := fmt.Sprintf("%s/Slot?%s", c.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode response: %w", err)
	}

	return parseSlots(bundle), nil
}

// SearchPatients looks up existing charts by name and birth date.
// FHIR: GET /Patient?given={given}&family={family}&birthdate={dob}
func (c *Client) SearchPatients(ctx context.Context, query emr.PatientQuery) ([]emr.Patient, error) {
	if query.GivenName == "" && query.FamilyName == "" && query.BirthDate == "" {
		return nil, fmt.Errorf("fhir: at least one patient search parameter is required")
	}
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhir: authentication failed: %w", err)
	}

	params := url.Values{}
	if query.GivenName != "" {
		params.Set("given", query.GivenName)
	}
	if query.FamilyName != "" {
		params.Set("family", query.FamilyName)
	}
	if query.BirthDate != "" {
		params.Set("birthdate", query.BirthDate)
	}

	endpoint := fmt.Sprintf("%s/Patient?%s", c.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode response: %w", err)
	}

	return parsePatients(bundle), nil
}

// GetPatient retrieves one patient by EMR id.
// FHIR: GET /Patient/{id}
func (c *Client) GetPatient(ctx context.Context, patientID string) (*emr.Patient, error) {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhir: authentication failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/Patient/%s", c.baseURL, patientID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var pr PatientResource
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode response: %w", err)
	}
	return parsePatient(pr), nil
}

// CreateAppointment books an appointment.
// FHIR: POST /Appointment with a conditional-create header keyed on the
// idempotency identifier, so a resent request returns the original booking
// instead of creating a duplicate. An HTTP 409 is the EMR's double-booking
// rejection and maps to emr.ConflictError.
func (c *Client) CreateAppointment(ctx context.Context, req emr.AppointmentRequest) (*emr.Confirmation, error) {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhir: authentication failed: %w", err)
	}

	appt := AppointmentResource{
		ResourceType: "Appointment",
		Status:       "booked",
		Description:  req.Reason,
		Comment:      req.Notes,
		Start:        req.Start.UTC().Format(time.RFC3339),
		End:          req.End.UTC().Format(time.RFC3339),
		Participant: []Participant{
			{Actor: Reference{Reference: "Patient/" + req.PatientID}, Status: "accepted"},
			{Actor: Reference{Reference: "Practitioner/" + req.ProviderID}, Status: "accepted"},
		},
		Identifier: []Identifier{
			{System: idempotencyKeySystem, Value: req.IdempotencyKey},
		},
	}
	if req.SlotID != "" {
		appt.Slot = []Reference{{Reference: "Slot/" + req.SlotID}}
	}

	body, err := json.Marshal(appt)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to marshal appointment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/Appointment", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/fhir+json")
	httpReq.Header.Set("Accept", "application/fhir+json")
	httpReq.Header.Set("If-None-Exist", fmt.Sprintf("identifier=%s|%s", idempotencyKeySystem, req.IdempotencyKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		// 200 means the conditional create matched an existing booking for
		// this key; both carry the appointment resource.
	case http.StatusConflict:
		return nil, &emr.ConflictError{Detail: outcomeDetail(resp.Body)}
	default:
		return nil, apiError(resp)
	}

	var created AppointmentResource
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode response: %w", err)
	}

	return &emr.Confirmation{
		AppointmentID:      created.ID,
		ConfirmationNumber: confirmationNumber(created),
	}, nil
}

// GetAppointment retrieves an appointment by ID.
// FHIR: GET /Appointment/{id}
func (c *Client) GetAppointment(ctx context.Context, appointmentID string) (*emr.Appointment, error) {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhir: authentication failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/Appointment/%s", c.baseURL, appointmentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var appt AppointmentResource
	if err := json.NewDecoder(resp.Body).Decode(&appt); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode response: %w", err)
	}
	return parseAppointment(appt), nil
}

// CancelAppointment cancels an existing appointment.
// FHIR: PUT /Appointment/{id} with status=cancelled
func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) error {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return fmt.Errorf("fhir: authentication failed: %w", err)
	}

	existing, err := c.GetAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("fhir: failed to get appointment: %w", err)
	}

	appt := AppointmentResource{
		ResourceType: "Appointment",
		ID:           appointmentID,
		Status:       "cancelled",
		Start:        existing.Start.UTC().Format(time.RFC3339),
		End:          existing.End.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("fhir: failed to marshal appointment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/Appointment/%s", c.baseURL, appointmentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fhir: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/fhir+json")
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// ensureAuthenticated returns a valid access token, refreshing it when it is
// within 5 minutes of expiry.
func (c *Client) ensureAuthenticated(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(5*time.Minute).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// authenticate performs OAuth 2.0 client credentials authentication.
func (c *Client) authenticate(ctx context.Context) error {
	tokenURL := c.baseURL + "/connect/token"

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("scope", "appointment/*.read appointment/*.write slot/*.read patient/*.read")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth failed (status %d): %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return nil
}

func parseSlots(bundle Bundle) []emr.Slot {
	slots := make([]emr.Slot, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var sr SlotResource
		data, err := json.Marshal(entry.Resource)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &sr); err != nil || sr.ResourceType != "Slot" {
			continue
		}
		start, err1 := time.Parse(time.RFC3339, sr.Start)
		end, err2 := time.Parse(time.RFC3339, sr.End)
		if err1 != nil || err2 != nil {
			// Malformed entries are dropped here; the resolver logs the
			// data-quality warning based on what is missing downstream.
			continue
		}
		slots = append(slots, emr.Slot{
			ID:         sr.ID,
			ProviderID: strings.TrimPrefix(sr.Schedule.Reference, "Schedule/"),
			Start:      start,
			End:        end,
			Status:     emr.SlotStatus(sr.Status),
		})
	}
	return slots
}

func parsePatients(bundle Bundle) []emr.Patient {
	patients := make([]emr.Patient, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var pr PatientResource
		data, err := json.Marshal(entry.Resource)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &pr); err != nil || pr.ResourceType != "Patient" {
			continue
		}
		patients = append(patients, *parsePatient(pr))
	}
	return patients
}

// parsePatient flattens the FHIR name and telecom lists, preferring the
// official or usual name and the first phone contact.
func parsePatient(pr PatientResource) *emr.Patient {
	out := &emr.Patient{ID: pr.ID, BirthDate: pr.BirthDate}
	for _, name := range pr.Name {
		if name.Use != "" && name.Use != "official" && name.Use != "usual" {
			continue
		}
		if out.FamilyName == "" {
			out.FamilyName = name.Family
		}
		if out.GivenName == "" && len(name.Given) > 0 {
			out.GivenName = strings.Join(name.Given, " ")
		}
	}
	for _, tc := range pr.Telecom {
		if tc.System == "phone" && tc.Value != "" {
			out.Phone = tc.Value
			break
		}
	}
	return out
}

func parseAppointment(appt AppointmentResource) *emr.Appointment {
	out := &emr.Appointment{
		ID:     appt.ID,
		Status: appt.Status,
	}
	if t, err := time.Parse(time.RFC3339, appt.Start); err == nil {
		out.Start = t
	}
	if t, err := time.Parse(time.RFC3339, appt.End); err == nil {
		out.End = t
	}
	for _, p := range appt.Participant {
		ref := p.Actor.Reference
		switch {
		case strings.HasPrefix(ref, "Patient/"):
			out.PatientID = strings.TrimPrefix(ref, "Patient/")
		case strings.HasPrefix(ref, "Practitioner/"):
			out.ProviderID = strings.TrimPrefix(ref, "Practitioner/")
		}
	}
	return out
}

// confirmationNumber prefers an EMR-issued identifier over the resource id,
// but either way the number comes from the EMR response, never generated
// locally.
func confirmationNumber(appt AppointmentResource) string {
	for _, id := range appt.Identifier {
		if id.System != idempotencyKeySystem && id.Value != "" {
			return id.Value
		}
	}
	return appt.ID
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &emr.APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

func outcomeDetail(r io.Reader) string {
	var outcome OperationOutcome
	if err := json.NewDecoder(r).Decode(&outcome); err != nil {
		return ""
	}
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
	}
	return ""
}

var _ emr.Client = (*Client)(nil)
