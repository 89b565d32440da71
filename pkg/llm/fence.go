package llm

import "strings"

// StripCodeFence removes one surrounding Markdown code fence, with or without
// a language tag, and trims whitespace. Text without a fence is only trimmed.
func StripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	body := t[3 : len(t)-3]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{[\"") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body)
}
