package giglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Gigline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Gig represents the public gig document.
type Gig struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Price               float64   `json:"price"`
	Category            string    `json:"category,omitempty"`
	Deadline            string    `json:"deadline,omitempty"`
	EstimatedDuration   string    `json:"estimated_duration,omitempty"`
	Attachments         []string  `json:"attachments,omitempty"`
	ApproximateLocation *Location `json:"approximate_location,omitempty"`
	CreatedBy           string    `json:"created_by"`
	Status              string    `json:"status"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at,omitempty"`
	AcceptedBy          string    `json:"accepted_by,omitempty"`
	AcceptedAt          string    `json:"accepted_at,omitempty"`
}

// NewGig is the create-gig request.
type NewGig struct {
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Price             float64   `json:"price"`
	Category          string    `json:"category,omitempty"`
	Deadline          string    `json:"deadline,omitempty"`
	EstimatedDuration string    `json:"estimated_duration,omitempty"`
	Attachments       []string  `json:"attachments,omitempty"`
	Location          *Location `json:"location,omitempty"`
}

// User is a profile; fields other than id and username are only present
// when reading your own profile.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

// Session is returned by register and login.
type Session struct {
	User      User   `json:"user"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type Payment struct {
	ID           string `json:"id"`
	GigID        string `json:"gig_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
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

type PaginatedGigs struct {
	Items  []Gig `json:"items"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type ListGigsOptions struct {
	Status string
	Sort   string
	Limit  int
	Offset int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, r Registration) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/register", r, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/me", nil, &resp)
	return resp, err
}

func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateGig(ctx context.Context, g NewGig) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPost, "gigs", g, &resp)
	return resp, err
}

// ListGigs returns one page of gigs, newest first unless Sort says otherwise.
func (c *Client) ListGigs(ctx context.Context, opts ListGigsOptions) (PaginatedGigs, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "gigs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedGigs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetGig(ctx context.Context, id string) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodGet, "gigs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AcceptGig claims an open gig for the authenticated user.
func (c *Client) AcceptGig(ctx context.Context, id string) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPost, "gigs/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

func (c *Client) UpdateGigStatus(ctx context.Context, id, status string) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPatch, "gigs/"+url.PathEscape(id)+"/status", map[string]string{"status": status}, &resp)
	return resp, err
}

// CreatePayment starts a payment intent for a gig; currency may be empty.
func (c *Client) CreatePayment(ctx context.Context, gigID, currency string) (Payment, error) {
	var body any
	if currency != "" {
		body = map[string]string{"currency": currency}
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "gigs/"+url.PathEscape(gigID)+"/payments", body, &resp)
	return resp, err
}

// Events returns the oldest events visible to the caller.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WebSocketURL returns the chat endpoint with the client's token attached.
func (c *Client) WebSocketURL() string {
	u := c.base() + c.basePath() + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if c.BearerToken != "" {
		u += "?token=" + url.QueryEscape(c.BearerToken)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) basePath() string {
	p := strings.Trim(c.BasePath, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
