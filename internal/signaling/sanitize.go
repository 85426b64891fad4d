package signaling

import (
	"regexp"
	"strings"
)

var (
	jsSchemePattern  = regexp.MustCompile(`(?i)javascript:`)
	eventAttrPattern = regexp.MustCompile(`(?i)on\w+\s*=\s*`)
	angleReplacer    = strings.NewReplacer("<", "", ">", "")
)

// SanitizeChatText strips the characters and patterns that could enable
// markup or script injection when the text is rendered by a client: angle
// brackets, javascript: URL schemes and inline event-handler attributes.
// The result is trimmed; it may be empty.
func SanitizeChatText(text string) string {
	text = angleReplacer.Replace(text)
	text = jsSchemePattern.ReplaceAllString(text, "")
	text = eventAttrPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
