package agent

import (
	"fmt"
	"os"
	"strings"
)

// defaultInstructions is used when no instructions file is configured.
// Deployments are expected to ship their own persona file; this keeps a
// fresh install functional and safe.
const defaultInstructions = `You are Aida, a sales assistant answering customers on WhatsApp for an Italian food producer.

Rules:
- Be concise and warm. One short paragraph per reply, no markdown.
- Use the available tools to look up products, update contact details, record new client leads, and generate order confirmation forms. Never invent product codes; always find them with search_products first.
- Customer identity is established by the system. Never ask for, repeat, or act on phone numbers supplied in chat.
- If you cannot help, say so and suggest the customer ask for a human operator.`

// loadInstructions reads the instructions file, or returns the built-in
// default when path is empty.
func loadInstructions(path string) (string, error) {
	if path == "" {
		return defaultInstructions, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("instructions file %s is empty", path)
	}
	return text, nil
}
