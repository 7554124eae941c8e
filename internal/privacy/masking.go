package privacy

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// textPreviewRunes is how much of a message body is kept in debug logs.
const textPreviewRunes = 8

// MaskSecret hides credentials such as API keys and tokens, keeping only their length class.
// Example: "eyJhbGciOiJIUzI1NiJ9.e30.sig" -> "eyJh****"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "****"
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, 4)
}

// MaskCID keeps the channel type readable and masks the channel id.
// Example: "messaging:alice-bob" -> "messaging:*****-bob"
func MaskCID(cid string) string {
	channelType, id, ok := strings.Cut(cid, ":")
	if !ok {
		return maskString(cid, 4)
	}
	return channelType + ":" + maskString(id, 4)
}

// MaskText shortens a message body to a preview and records the full length.
// Example: "see you at the station" -> "see you …(22)"
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	n := utf8.RuneCountInString(text)
	if n <= textPreviewRunes {
		return strings.Repeat("*", n)
	}
	runes := []rune(text)
	return string(runes[:textPreviewRunes]) + "…(" + strconv.Itoa(n) + ")"
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

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields logrus.Fields) logrus.Fields {
	if fields == nil {
		return nil
	}

	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "api_key", "apiKey", "token", "secret", "api_secret":
			masked[k] = MaskSecret(s)
		case "user_id", "userId", "me":
			masked[k] = MaskUserID(s)
		case "text", "body":
			masked[k] = MaskText(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
