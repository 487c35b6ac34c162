// Package language provides best-effort language detection for inbound
// messages. The result is advisory: it shapes the reply-language hint in
// the assistant instructions and nothing else, so a cheap keyword
// heuristic is acceptable. The default tag is Italian, matching the
// primary customer base.
package language

import "strings"

// DefaultTag is returned when no heuristic matches.
const DefaultTag = "it"

// markers maps a language tag to words that strongly suggest it. First
// match wins, in the order listed in detectOrder.
var markers = map[string][]string{
	"es": {"hola", "gracias", "buenos", "por favor"},
	"fr": {"bonjour", "merci", "s'il vous plaît", "salut"},
	"de": {"hallo", "danke", "bitte", "guten tag"},
	"en": {"hello", "thanks", "please", "hi ", "the "},
	"it": {"ciao", "grazie", "per favore", "buongiorno"},
}

var detectOrder = []string{"es", "fr", "de", "en", "it"}

// Detect returns a two-letter language tag for the text. Empty or
// unrecognizable input yields DefaultTag.
func Detect(text string) string {
	val := strings.ToLower(text)
	if strings.TrimSpace(val) == "" {
		return DefaultTag
	}
	for _, tag := range detectOrder {
		for _, w := range markers[tag] {
			if strings.Contains(val, w) {
				return tag
			}
		}
	}
	return DefaultTag
}

// Name maps a tag to the English language name used in instruction
// text. Unknown tags fall back to Italian.
func Name(tag string) string {
	switch tag {
	case "en":
		return "English"
	case "es":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "it":
		return "Italian"
	default:
		return "Italian"
	}
}
