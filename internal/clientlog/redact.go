package clientlog

import (
	"regexp"
	"strings"
)

var (
	reOpenAIKey = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`)
	reAWSKey    = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	reBearer    = regexp.MustCompile(`(?i)\b(bearer)\s+([A-Za-z0-9._~+/=-]{8,})`)
	rePEMBlock  = regexp.MustCompile(`-----BEGIN [A-Z0-9 ]+-----[\s\S]*?(-----END [A-Z0-9 ]+-----|$)`)
)

// Redact masks API keys, bearer tokens and PEM blocks in text. Every line
// written by Logger passes through it.
func Redact(text string) string {
	if text == "" {
		return text
	}
	out := reOpenAIKey.ReplaceAllStringFunc(text, redactToken)
	out = reAWSKey.ReplaceAllStringFunc(out, redactToken)
	out = reBearer.ReplaceAllStringFunc(out, func(m string) string {
		parts := reBearer.FindStringSubmatch(m)
		return parts[1] + " " + redactToken(parts[2])
	})
	if strings.Contains(out, "-----BEGIN") {
		out = rePEMBlock.ReplaceAllString(out, "-----BEGIN [REDACTED]-----")
	}
	return out
}

func redactToken(token string) string {
	t := strings.TrimSpace(token)
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "***" + t[len(t)-4:]
}
