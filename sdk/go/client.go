package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadline/internal/domain"
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead is an offer of one intake to the calling professional.
type Lead = domain.Assignment

// Intake is the applicant request embedded in a lead.
type Intake = domain.Intake

// Case is the engagement created by an accepted lead.
type Case = domain.Case

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// NewIntake is the body of SubmitIntake.
type NewIntake struct {
	ServiceName        string  `json:"service_name"`
	ApplicantName      string  `json:"applicant_name"`
	ApplicantEmail     string  `json:"applicant_email"`
	ApplicantPhone     *string `json:"applicant_phone,omitempty"`
	ApplicantCountry   string  `json:"applicant_country"`
	DestinationCountry string  `json:"destination_country"`
	Description        string  `json:"description,omitempty"`
	UrgencyLevel       string  `json:"urgency_level"`
}

// ErrMalformedPayload is returned when a lead from the API cannot be
// interpreted. Such records never reach the caller.
var ErrMalformedPayload = errors.New("malformed lead payload")

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// IsConflict reports a 409, i.e. the lead was already handled.
func (e *APIError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// IsNotFound reports a 404.
func (e *APIError) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// MyLeads returns every lead offered to the caller.
func (c *Client) MyLeads(ctx context.Context) ([]Lead, error) {
	var resp struct {
		Items []Lead `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "v0/me/leads", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Lead, 0, len(resp.Items))
	for _, l := range resp.Items {
		checked, err := checkLead(l)
		if err != nil {
			return nil, err
		}
		out = append(out, checked)
	}
	return out, nil
}

// Accept accepts a pending lead.
func (c *Client) Accept(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s/accept", url.PathEscape(id))
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp); err != nil {
		return Lead{}, err
	}
	return checkLead(resp)
}

// Decline declines a pending lead. A nil reason is sent as null.
func (c *Client) Decline(ctx context.Context, id string, reason *string) (Lead, error) {
	body := map[string]any{"reason": reason}
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s/decline", url.PathEscape(id))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return Lead{}, err
	}
	return checkLead(resp)
}

// SubmitIntake records a new applicant intake.
func (c *Client) SubmitIntake(ctx context.Context, in NewIntake) (Intake, error) {
	var resp Intake
	err := c.do(ctx, http.MethodPost, "v0/intakes", in, &resp)
	return resp, err
}

// IntakeDetail is an intake together with every offer made for it.
type IntakeDetail struct {
	Intake Intake `json:"intake"`
	Offers []Lead `json:"offers"`
}

// GetIntake fetches an intake and its offers by id.
func (c *Client) GetIntake(ctx context.Context, id string) (IntakeDetail, error) {
	var resp IntakeDetail
	if err := c.do(ctx, http.MethodGet, "v0/intakes/"+url.PathEscape(id), nil, &resp); err != nil {
		return IntakeDetail{}, err
	}
	for i, l := range resp.Offers {
		checked, err := checkLead(l)
		if err != nil {
			return IntakeDetail{}, err
		}
		resp.Offers[i] = checked
	}
	return resp, nil
}

// OfferIntake offers an intake to a professional.
func (c *Client) OfferIntake(ctx context.Context, intakeID, professionalID string) (Lead, error) {
	body := map[string]any{"professional_id": professionalID}
	var resp Lead
	endpoint := fmt.Sprintf("v0/intakes/%s/offers", url.PathEscape(intakeID))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return Lead{}, err
	}
	return checkLead(resp)
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func checkLead(l Lead) (Lead, error) {
	if err := l.Validate(); err != nil {
		return Lead{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return l.Normalize(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
