package bot

import (
	"fmt"
	"strconv"
	"strings"
)

const maxGroupCodeLen = 32

// ParseGroupCode extracts a group code such as KI_25-09 from command arguments.
// The code is upper-cased; only letters, digits, '_' and '-' are accepted.
func ParseGroupCode(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", fmt.Errorf("group code is required")
	}
	code := strings.ToUpper(parts[0])
	if len(code) > maxGroupCodeLen {
		return "", fmt.Errorf("group code is too long")
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return "", fmt.Errorf("invalid group code %q", parts[0])
		}
	}
	return code, nil
}

// ParseVerifyArgs extracts a student ID and verification code.
// Format: <student_id> <code>
func ParseVerifyArgs(args string) (int64, string, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("usage: /verify <student_id> <code>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("invalid student ID %q", parts[0])
	}
	return id, parts[1], nil
}
