package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aida-agent/aida/internal/crm"
	"github.com/aida-agent/aida/internal/sanitize"
)

// CRMBackend is the subset of the CRM client the tools use. Narrowed
// to an interface so tests can supply a fake without a server.
type CRMBackend interface {
	FindOrCreateContact(ctx context.Context, phone string) (*crm.Contact, error)
	UpdateContact(ctx context.Context, phone string, fields map[string]any) error
	SearchProducts(ctx context.Context, filterValue, filterType string, limit int) ([]crm.Product, error)
	ProductExists(ctx context.Context, code string) (bool, error)
	CreateLead(ctx context.Context, lead crm.Lead) (string, error)
	CreateDraftOrder(ctx context.Context, order crm.DraftOrder) (*crm.DraftOrderResult, error)
}

const (
	searchLimitDefault = 50
	searchLimitMax     = 200
)

func (r *Registry) registerCRMTools() {
	r.Register(&Tool{
		Name: "update_contact",
		Description: "Update the CRM contact for the current conversation with details the " +
			"customer shared. The contact is identified automatically; never ask the customer " +
			"for their phone number. Changing the organization requires confirm_organization=true " +
			"after the customer explicitly confirms it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"first_name": map[string]any{
					"type":        "string",
					"description": "Customer's first name",
				},
				"last_name": map[string]any{
					"type":        "string",
					"description": "Customer's last name",
				},
				"email": map[string]any{
					"type":        "string",
					"description": "Customer's email address, if shared",
				},
				"organization": map[string]any{
					"type":        "string",
					"description": "Customer's company name, if shared",
				},
				"confirm_organization": map[string]any{
					"type":        "boolean",
					"description": "Set true only after the customer explicitly confirmed the organization change",
				},
			},
			"required": []string{"first_name", "last_name"},
		},
		Handler: r.handleUpdateContact,
	})

	r.Register(&Tool{
		Name: "search_products",
		Description: "Search the product catalog by name, tag, or maximum price. Returns " +
			"product codes needed by generate_order_confirmation_form — always search before " +
			"building an order, never invent product codes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filter_value": map[string]any{
					"type":        "string",
					"description": "Search term: a product name fragment, a tag, or a price ceiling",
				},
				"filter_type": map[string]any{
					"type":        "string",
					"enum":        []string{"name", "tag", "price"},
					"description": "How to interpret filter_value (default name)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     searchLimitMax,
					"description": "Maximum results to return (default 50)",
				},
			},
			"required": []string{"filter_value"},
		},
		Handler: r.handleSearchProducts,
	})

	r.Register(&Tool{
		Name: "new_client_lead",
		Description: "Create a CRM lead for a prospective customer who is not yet a client. " +
			"Do NOT use this after generate_order_confirmation_form — submitting the form " +
			"creates the lead automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"first_name": map[string]any{
					"type":        "string",
					"description": "Prospect's first name",
				},
				"last_name": map[string]any{
					"type":        "string",
					"description": "Prospect's last name",
				},
				"email": map[string]any{
					"type":        "string",
					"description": "Prospect's email address",
				},
				"organization": map[string]any{
					"type":        "string",
					"description": "Prospect's company name",
				},
			},
			"required": []string{"first_name", "last_name", "email", "organization"},
		},
		Handler: r.handleNewClientLead,
	})

	r.Register(&Tool{
		Name: "generate_order_confirmation_form",
		Description: "Generate an order confirmation form link pre-filled with customer and " +
			"order data. product_id values MUST be real product codes obtained from " +
			"search_products (e.g. CRMPROD-00001), never product names. When the customer " +
			"submits the form a lead is created automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"customer_name": map[string]any{
					"type":        "string",
					"description": "Customer's first name, as heard in the conversation",
				},
				"customer_surname": map[string]any{
					"type":        "string",
					"description": "Customer's last name, as heard in the conversation",
				},
				"company_name": map[string]any{
					"type":        "string",
					"description": "Customer's company name, if any",
				},
				"products": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"product_id": map[string]any{
								"type":        "string",
								"description": "Product code from search_products",
							},
							"product_quantity": map[string]any{
								"type":        "integer",
								"minimum":     1,
								"description": "Quantity requested",
							},
						},
						"required": []string{"product_id", "product_quantity"},
					},
					"description": "Products with codes and quantities; at least one entry",
				},
				"delivery_address": map[string]any{
					"type":        "string",
					"description": "Delivery address, if shared",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Special instructions",
				},
			},
			"required": []string{"products"},
		},
		Handler: r.handleGenerateOrderForm,
	})
}

// verifiedPhone extracts the sanitizer-injected contact reference.
// Tool handlers must never read an identity from anywhere else.
func verifiedPhone(tool string, args map[string]any) (string, error) {
	phone, _ := args[sanitize.InjectedField].(string)
	if strings.TrimSpace(phone) == "" {
		return "", &ValidationError{Tool: tool, Reason: "no verified contact in arguments"}
	}
	return phone, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// intArg reads an integer argument. JSON numbers decode as float64.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func jsonResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}

func (r *Registry) handleUpdateContact(ctx context.Context, args map[string]any) (string, error) {
	const tool = "update_contact"

	phone, err := verifiedPhone(tool, args)
	if err != nil {
		return "", err
	}

	firstName := stringArg(args, "first_name")
	lastName := stringArg(args, "last_name")
	if firstName == "" || lastName == "" {
		return "", &ValidationError{Tool: tool, Reason: "first_name and last_name are required"}
	}

	// Existence check doubles as creation for contacts the CRM has not
	// seen yet (shouldn't happen mid-conversation, but costs nothing).
	if _, err := r.crm.FindOrCreateContact(ctx, phone); err != nil {
		return "", fmt.Errorf("resolve contact: %w", err)
	}

	fields := map[string]any{
		"first_name": firstName,
		"last_name":  lastName,
	}
	if email := stringArg(args, "email"); email != "" {
		fields["email"] = email
	}

	org := stringArg(args, "organization")
	confirmed, _ := args["confirm_organization"].(bool)
	if org != "" {
		if !confirmed {
			return jsonResult(map[string]any{
				"success": false,
				"error": "organization change requires explicit customer confirmation; " +
					"ask the customer to confirm, then retry with confirm_organization=true",
			})
		}
		fields["organization"] = org
	}

	if err := r.crm.UpdateContact(ctx, phone, fields); err != nil {
		return "", fmt.Errorf("update contact: %w", err)
	}

	return jsonResult(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Contact updated: %s %s", firstName, lastName),
		"updated": fields,
	})
}

func (r *Registry) handleSearchProducts(ctx context.Context, args map[string]any) (string, error) {
	const tool = "search_products"

	filterValue := stringArg(args, "filter_value")
	if filterValue == "" {
		return "", &ValidationError{Tool: tool, Reason: "filter_value is required"}
	}

	filterType := stringArg(args, "filter_type")
	switch filterType {
	case "":
		filterType = "name"
	case "name", "tag", "price":
	default:
		return "", &ValidationError{Tool: tool, Reason: fmt.Sprintf("invalid filter_type %q (valid: name, tag, price)", filterType)}
	}

	limit := intArg(args, "limit", searchLimitDefault)
	if limit < 1 {
		limit = 1
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}

	products, err := r.crm.SearchProducts(ctx, filterValue, filterType, limit)
	if err != nil {
		return "", fmt.Errorf("search products: %w", err)
	}

	return jsonResult(map[string]any{
		"success":  true,
		"count":    len(products),
		"products": products,
	})
}

func (r *Registry) handleNewClientLead(ctx context.Context, args map[string]any) (string, error) {
	const tool = "new_client_lead"

	phone, err := verifiedPhone(tool, args)
	if err != nil {
		return "", err
	}

	lead := crm.Lead{
		FirstName:    stringArg(args, "first_name"),
		LastName:     stringArg(args, "last_name"),
		Email:        stringArg(args, "email"),
		Organization: stringArg(args, "organization"),
		MobileNo:     phone,
	}
	if lead.FirstName == "" || lead.LastName == "" || lead.Email == "" || lead.Organization == "" {
		return "", &ValidationError{Tool: tool, Reason: "first_name, last_name, email, and organization are required"}
	}

	id, err := r.crm.CreateLead(ctx, lead)
	if err != nil {
		return "", fmt.Errorf("create lead: %w", err)
	}

	return jsonResult(map[string]any{
		"success": true,
		"lead_id": id,
		"message": fmt.Sprintf("Lead created for %s %s (%s)", lead.FirstName, lead.LastName, lead.Organization),
	})
}

func (r *Registry) handleGenerateOrderForm(ctx context.Context, args map[string]any) (string, error) {
	const tool = "generate_order_confirmation_form"

	phone, err := verifiedPhone(tool, args)
	if err != nil {
		return "", err
	}

	rawProducts, _ := args["products"].([]any)
	if len(rawProducts) == 0 {
		return "", &ValidationError{Tool: tool, Reason: "products array is required and must not be empty"}
	}

	lines := make([]crm.OrderLine, 0, len(rawProducts))
	for i, raw := range rawProducts {
		entry, ok := raw.(map[string]any)
		if !ok {
			return "", &ValidationError{Tool: tool, Reason: fmt.Sprintf("product %d is not an object", i+1)}
		}
		id := stringArg(entry, "product_id")
		qty := intArg(entry, "product_quantity", 0)
		if id == "" || qty < 1 {
			return "", &ValidationError{Tool: tool, Reason: fmt.Sprintf("product %d missing product_id or product_quantity", i+1)}
		}
		lines = append(lines, crm.OrderLine{ProductID: id, Quantity: qty})
	}

	// Reject invented codes. This forces the model back to
	// search_products instead of guessing.
	var invalid []string
	for _, line := range lines {
		exists, err := r.crm.ProductExists(ctx, line.ProductID)
		if err != nil {
			return "", fmt.Errorf("validate product %s: %w", line.ProductID, err)
		}
		if !exists {
			invalid = append(invalid, line.ProductID)
		}
	}
	if len(invalid) > 0 {
		return "", &ValidationError{
			Tool: tool,
			Reason: fmt.Sprintf("invalid product_id values: %s; use search_products to get real product codes, never invent them",
				strings.Join(invalid, ", ")),
		}
	}

	result, err := r.crm.CreateDraftOrder(ctx, crm.DraftOrder{
		CustomerName:    stringArg(args, "customer_name"),
		CustomerSurname: stringArg(args, "customer_surname"),
		CompanyName:     stringArg(args, "company_name"),
		Phone:           phone,
		Products:        lines,
		DeliveryAddress: stringArg(args, "delivery_address"),
		Notes:           stringArg(args, "notes"),
	})
	if err != nil {
		return "", fmt.Errorf("create draft order: %w", err)
	}

	customer := strings.TrimSpace(stringArg(args, "customer_name") + " " + stringArg(args, "customer_surname"))
	if customer == "" {
		customer = "Cliente"
	}

	return jsonResult(map[string]any{
		"success":  true,
		"form_url": result.FormURL,
		"message":  fmt.Sprintf("Order confirmation form generated for %s", customer),
		"order_summary": map[string]any{
			"customer_name":  customer,
			"products_count": len(lines),
			"temp_order_id":  result.ID,
		},
	})
}
