// Package moderation is a coarse trip-wire for participant messages.
//
// It is a static deny-list, not a safety system: no false-negative guarantee.
package moderation

import "regexp"

// CivilityReply is sent in place of an assistant reply when a submission trips the filter.
const CivilityReply = "I notice your message contains inappropriate content. Let's keep our discussion respectful and focused on the scenario. Could you please rephrase your thoughts?"

// RedactedMarker replaces redacted spans.
const RedactedMarker = "[inappropriate content removed]"

var (
	severe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(kill yourself|kys|die|murder)\b`),
		regexp.MustCompile(`(?i)\b(nazi|hitler|terrorist)\b`),
	}
	redactable = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(kill yourself|kys)\b`),
		regexp.MustCompile(`(?i)\b(nazi|hitler)\b`),
	}
)

// IsAppropriate reports whether text contains none of the deny-listed phrases.
func IsAppropriate(text string) bool {
	for _, re := range severe {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// Redact replaces self-harm incitement and hate-group phrases with RedactedMarker.
func Redact(text string) string {
	for _, re := range redactable {
		text = re.ReplaceAllString(text, RedactedMarker)
	}
	return text
}
