package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aida-agent/aida/internal/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.CRMConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
	}, nil)
}

func TestFindOrCreateContact_Existing(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/contacts/by-phone/15551230001" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token key:secret" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(Contact{ID: "CONT-001", Phone: "15551230001", FirstName: "Mario"})
	}))

	contact, err := c.FindOrCreateContact(context.Background(), "15551230001")
	if err != nil {
		t.Fatalf("FindOrCreateContact() error: %v", err)
	}
	if contact.ID != "CONT-001" || contact.FirstName != "Mario" {
		t.Errorf("contact = %+v", contact)
	}
}

func TestFindOrCreateContact_CreatesOnMiss(t *testing.T) {
	created := false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			http.NotFound(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/api/contacts":
			created = true
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["phone"] != "15551230001" {
				t.Errorf("create body = %v", body)
			}
			json.NewEncoder(w).Encode(Contact{ID: "CONT-002", Phone: "15551230001"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	contact, err := c.FindOrCreateContact(context.Background(), "15551230001")
	if err != nil {
		t.Fatalf("FindOrCreateContact() error: %v", err)
	}
	if !created {
		t.Error("expected POST /api/contacts on lookup miss")
	}
	if contact.ID != "CONT-002" {
		t.Errorf("contact.ID = %q, want CONT-002", contact.ID)
	}
}

func TestSearchProducts(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("query") != "tiramisù" || q.Get("type") != "name" || q.Get("limit") != "50" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode([]Product{
			{Code: "CRMPROD-00001", Name: "Tiramisù classico", Price: 6.50},
		})
	}))

	products, err := c.SearchProducts(context.Background(), "tiramisù", "name", 50)
	if err != nil {
		t.Fatalf("SearchProducts() error: %v", err)
	}
	if len(products) != 1 || products[0].Code != "CRMPROD-00001" {
		t.Errorf("products = %+v", products)
	}
}

func TestProductExists(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products/CRMPROD-00001" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))

	ok, err := c.ProductExists(context.Background(), "CRMPROD-00001")
	if err != nil || !ok {
		t.Errorf("ProductExists(valid) = %v, %v, want true, nil", ok, err)
	}

	ok, err = c.ProductExists(context.Background(), "CRMPROD-99999")
	if err != nil || ok {
		t.Errorf("ProductExists(invalid) = %v, %v, want false, nil", ok, err)
	}
}

func TestCreateLead(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var lead Lead
		json.NewDecoder(r.Body).Decode(&lead)
		if lead.MobileNo != "15551230001" {
			t.Errorf("lead.MobileNo = %q", lead.MobileNo)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "LEAD-007"})
	}))

	id, err := c.CreateLead(context.Background(), Lead{
		FirstName: "Mario", LastName: "Rossi",
		Email: "mario@example.com", Organization: "Rossi SRL",
		MobileNo: "15551230001",
	})
	if err != nil {
		t.Fatalf("CreateLead() error: %v", err)
	}
	if id != "LEAD-007" {
		t.Errorf("id = %q, want LEAD-007", id)
	}
}

func TestCreateDraftOrder(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var order DraftOrder
		json.NewDecoder(r.Body).Decode(&order)
		if len(order.Products) != 1 || order.Products[0].ProductID != "CRMPROD-00001" {
			t.Errorf("order.Products = %+v", order.Products)
		}
		json.NewEncoder(w).Encode(DraftOrderResult{
			ID:      "ORD-TMP-001",
			FormURL: "https://crm.example.com/order_confirmation?order_id=ORD-TMP-001",
		})
	}))

	result, err := c.CreateDraftOrder(context.Background(), DraftOrder{
		Phone:    "15551230001",
		Products: []OrderLine{{ProductID: "CRMPROD-00001", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateDraftOrder() error: %v", err)
	}
	if result.ID != "ORD-TMP-001" || result.FormURL == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestRecordMessage(t *testing.T) {
	var got Message
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.RecordMessage(context.Background(), Message{
		ContactID: "CONT-001", Direction: "outgoing", Text: "ciao", Automated: true,
	})
	if err != nil {
		t.Fatalf("RecordMessage() error: %v", err)
	}
	if got.Direction != "outgoing" || !got.Automated {
		t.Errorf("recorded message = %+v", got)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.FindOrCreateContact(context.Background(), "15551230001")
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("500 must not be reported as ErrNotFound")
	}
}
