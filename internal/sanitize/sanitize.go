// Package sanitize enforces the identity boundary on tool arguments.
// The model must never control which contact a tool acts on: any
// identity-shaped field it produces is stripped, and the verified
// contact reference is injected from the identity store instead.
package sanitize

import (
	"fmt"
	"strings"
)

// InjectedField is the argument key carrying the verified contact
// reference. Tool executors read the contact only from this field.
const InjectedField = "phone_from"

// DefaultDenyList covers the identity-shaped argument names seen in the
// wild. Matching is case-insensitive and value-independent: a denied
// key is dropped even when its value happens to be correct.
var DefaultDenyList = []string{
	"phone",
	"mobile",
	"mobile_no",
	"phone_number",
	"contact_number",
	"whatsapp_number",
	InjectedField,
}

// MissingIdentityError reports that no verified contact was available
// to inject. The tool call must not proceed.
type MissingIdentityError struct {
	Tool string
}

func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("tool %q: no verified contact identity for this session", e.Tool)
}

// Sanitizer strips denied fields and injects the verified identity.
// The zero value is not usable; call New.
type Sanitizer struct {
	deny map[string]struct{}
}

// New builds a Sanitizer. A nil or empty deny list uses DefaultDenyList.
func New(denyList []string) *Sanitizer {
	if len(denyList) == 0 {
		denyList = DefaultDenyList
	}
	deny := make(map[string]struct{}, len(denyList))
	for _, k := range denyList {
		deny[strings.ToLower(k)] = struct{}{}
	}
	return &Sanitizer{deny: deny}
}

// Sanitize returns a copy of args with every denied key removed and the
// verified contact injected under InjectedField. It fails closed: an
// empty contact yields a MissingIdentityError and no arguments.
//
// The input map is never mutated; tool executors receive an owned copy.
func (s *Sanitizer) Sanitize(tool string, args map[string]any, contact string) (map[string]any, error) {
	if strings.TrimSpace(contact) == "" {
		return nil, &MissingIdentityError{Tool: tool}
	}

	safe := make(map[string]any, len(args)+1)
	for k, v := range args {
		if _, denied := s.deny[strings.ToLower(k)]; denied {
			continue
		}
		safe[k] = v
	}
	safe[InjectedField] = contact
	return safe, nil
}
