package privacy

import (
	"strings"

	"linkup/internal/constants"
)

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskToken hides a credential entirely, keeping only its length class
func MaskToken(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) < 16:
		return "[short-token]"
	default:
		return "[token]"
	}
}

// MaskContent hides message content unless verbose logging is enabled
func MaskContent(content string, verbose bool) string {
	if content == "" || verbose {
		return content
	}
	return "[hidden]"
}

// MaskSDP keeps only the first line of a session description, which carries
// the protocol version and origin but no candidates or fingerprints.
func MaskSDP(sdp string) string {
	if sdp == "" {
		return ""
	}
	if idx := strings.IndexAny(sdp, "\r\n"); idx >= 0 {
		return sdp[:idx] + " ..."
	}
	return sdp
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}
