// Package crm provides the record store client. The CRM owns contacts,
// leads, products, draft orders, and the message archive; Aida only
// reads and writes through this REST surface and keeps no copy of the
// records itself.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/httpkit"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("crm: record not found")

// Client is a CRM REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a CRM client from configuration.
func NewClient(cfg config.CRMConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		logger:    logger.With("component", "crm"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Contact is a CRM contact record.
type Contact struct {
	ID           string `json:"id"`
	Phone        string `json:"phone"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Product is a catalog entry.
type Product struct {
	Code  string   `json:"code"`
	Name  string   `json:"name"`
	Price float64  `json:"price"`
	Tags  []string `json:"tags,omitempty"`
}

// Lead is a new-client lead record.
type Lead struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Organization string `json:"organization"`
	MobileNo     string `json:"mobile_no"`
}

// OrderLine is one product/quantity pair in a draft order.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"product_quantity"`
}

// DraftOrder is a short-lived order awaiting customer confirmation.
type DraftOrder struct {
	CustomerName    string      `json:"customer_name,omitempty"`
	CustomerSurname string      `json:"customer_surname,omitempty"`
	CompanyName     string      `json:"company_name,omitempty"`
	Phone           string      `json:"phone_number"`
	Products        []OrderLine `json:"products"`
	DeliveryAddress string      `json:"delivery_address,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

// DraftOrderResult is the created draft order reference.
type DraftOrderResult struct {
	ID      string `json:"id"`
	FormURL string `json:"form_url"`
}

// Message is an archived conversation message.
type Message struct {
	ContactID string `json:"contact_id"`
	Direction string `json:"direction"` // incoming | outgoing
	Text      string `json:"text"`
	Automated bool   `json:"automated"`
}

// Ping checks that the CRM API is reachable and the credentials work.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/api/ping", nil)
}

// FindOrCreateContact resolves a phone number to a contact, creating a
// bare record on first sight. Idempotent by phone: the CRM enforces
// uniqueness, so racing creators converge on one record.
func (c *Client) FindOrCreateContact(ctx context.Context, phone string) (*Contact, error) {
	var contact Contact
	err := c.get(ctx, "/api/contacts/by-phone/"+url.PathEscape(phone), &contact)
	if err == nil {
		return &contact, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c.logger.Info("creating contact", "phone", phone)
	if err := c.post(ctx, "/api/contacts", map[string]any{"phone": phone}, &contact); err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return &contact, nil
}

// UpdateContact applies field changes to the contact with this phone.
func (c *Client) UpdateContact(ctx context.Context, phone string, fields map[string]any) error {
	return c.put(ctx, "/api/contacts/by-phone/"+url.PathEscape(phone), fields, nil)
}

// SearchProducts queries the catalog. filterType is one of "name",
// "tag", "price"; limit is clamped by the server.
func (c *Client) SearchProducts(ctx context.Context, filterValue, filterType string, limit int) ([]Product, error) {
	q := url.Values{}
	q.Set("query", filterValue)
	q.Set("type", filterType)
	q.Set("limit", strconv.Itoa(limit))

	var products []Product
	if err := c.get(ctx, "/api/products?"+q.Encode(), &products); err != nil {
		return nil, err
	}
	return products, nil
}

// ProductExists reports whether a product code is valid.
func (c *Client) ProductExists(ctx context.Context, code string) (bool, error) {
	err := c.get(ctx, "/api/products/"+url.PathEscape(code), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateLead records a new-client lead and returns its id.
func (c *Client) CreateLead(ctx context.Context, lead Lead) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/leads", lead, &created); err != nil {
		return "", fmt.Errorf("create lead: %w", err)
	}
	return created.ID, nil
}

// CreateDraftOrder records a draft order and returns the confirmation
// form reference the customer will receive.
func (c *Client) CreateDraftOrder(ctx context.Context, order DraftOrder) (*DraftOrderResult, error) {
	var result DraftOrderResult
	if err := c.post(ctx, "/api/orders/draft", order, &result); err != nil {
		return nil, fmt.Errorf("create draft order: %w", err)
	}
	return &result, nil
}

// RecordMessage archives a conversation message. Callers treat failures
// as non-fatal: the archive is at-least-once, not transactional with
// delivery.
func (c *Client) RecordMessage(ctx context.Context, msg Message) error {
	return c.post(ctx, "/api/messages", msg, nil)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, data, result any) error {
	return c.do(ctx, http.MethodPost, path, data, result)
}

func (c *Client) put(ctx context.Context, path string, data, result any) error {
	return c.do(ctx, http.MethodPut, path, data, result)
}

func (c *Client) do(ctx context.Context, method, path string, data, result any) error {
	var body []byte
	if data != nil {
		var err error
		body, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.apiSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("CRM API error %d on %s %s: %s", resp.StatusCode, method, path, errBody)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
