package bookingclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"motochat/internal/servicetoken"
	"motochat/pkg/domain"
)

// ErrNotFound is returned when the booking service has no such booking.
var ErrNotFound = errors.New("booking not found")

// Client calls the booking service's internal API.
type Client struct {
	baseURL    string
	audience   string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// APIError represents a booking service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("booking service: %d %s", e.Status, e.Message)
}

// NewClient constructs a booking service client. Requests carry a service
// token for audience "booking-service" when signer is set.
func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		audience:   "booking-service",
		signer:     signer,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// FindBooking fetches the owner of a booking.
func (c *Client) FindBooking(ctx context.Context, id string) (domain.Booking, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Booking{}, ErrNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/bookings/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.Booking{}, err
	}
	if c.signer != nil {
		if err := c.signer.Authorize(req, c.audience, servicetoken.ScopeBookingsRead); err != nil {
			return domain.Booking{}, fmt.Errorf("sign booking request: %w", err)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Booking{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.Booking{}, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return domain.Booking{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var booking domain.Booking
	if err := json.NewDecoder(resp.Body).Decode(&booking); err != nil {
		return domain.Booking{}, fmt.Errorf("decode booking: %w", err)
	}
	if booking.ID == "" {
		booking.ID = id
	}
	if strings.TrimSpace(booking.OwnerUserID) == "" {
		return domain.Booking{}, errors.New("booking service returned booking without owner")
	}
	return booking, nil
}
