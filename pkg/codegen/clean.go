package codegen

import "strings"

// CleanCode extracts the code from an LLM answer. The first fenced block wins when the answer
// contains one, otherwise the whole answer is taken. Trailing semicolons are removed from SQL.
func CleanCode(resp string, sql bool) string {
	code := strings.TrimSpace(resp)
	if block, ok := firstFencedBlock(code); ok {
		code = block
	}
	code = strings.TrimSpace(code)
	if sql {
		for strings.HasSuffix(code, ";") {
			code = strings.TrimSpace(strings.TrimSuffix(code, ";"))
		}
	}
	return code
}

// firstFencedBlock returns the body of the first ``` block, dropping the language tag on the
// opening line. An unterminated fence runs to the end of the text.
func firstFencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start == -1 {
		return "", false
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		tag := strings.TrimSpace(body[:nl])
		if !strings.ContainsAny(tag, " (=") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return body, true
}
