package hivemind

import "encoding/json"

// RPC result codes (spec.md §7).
const (
	CodeOK                  = 0
	CodeBadInput            = 1
	CodeServiceNotAvailable = 2
	CodeServiceTimeout      = 3
	CodeError               = 4
	CodeInternalError       = 5
)

func successReply(flag, message string) [][]byte {
	m := map[string]interface{}{"success": true}
	if flag != "" {
		m[flag] = true
	}
	if message != "" {
		m["message"] = message
	}
	b, _ := json.Marshal(m)
	return [][]byte{b}
}

func errorReply(code int, message string) [][]byte {
	b, _ := json.Marshal(map[string]interface{}{"error": code, "message": message})
	return [][]byte{b}
}
