package validation

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// MaxTargetLength bounds stored redirect targets.
const MaxTargetLength = 2048

// MaxCodeLength bounds short codes accepted on lookup.
const MaxCodeLength = 32

// ErrTargetEmpty is returned when the target is empty or whitespace-only after trim.
var ErrTargetEmpty = errors.New("target is required")

// ErrTargetScheme is returned when the target does not start with http:// or https://.
var ErrTargetScheme = errors.New("target must start with http:// or https://")

// ErrTargetInvalid is returned when the target does not parse as an absolute URL with a host.
var ErrTargetInvalid = errors.New("target is not a valid URL")

// ErrTargetTooLong is returned when the target exceeds MaxTargetLength bytes.
var ErrTargetTooLong = errors.New("target too long")

// ErrCodeInvalid is returned when a short code is empty, too long or has characters outside [A-Za-z0-9].
var ErrCodeInvalid = errors.New("invalid code")

// ErrTimestampMissing is returned when the timestamp parameter is absent.
var ErrTimestampMissing = errors.New("timestamp is required")

// ErrTimestampInvalid is returned when the timestamp is not a base-10 integer.
var ErrTimestampInvalid = errors.New("timestamp must be an integer")

// ValidateTarget trims the input and checks it is an http(s) URL with a host.
// Returns the trimmed string or an error suitable for 400 INVALID_URL responses.
func ValidateTarget(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrTargetEmpty
	}
	if len(s) > MaxTargetLength {
		return "", ErrTargetTooLong
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", ErrTargetScheme
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", ErrTargetInvalid
	}
	return s, nil
}

// ValidateCode checks that code is 1..MaxCodeLength ASCII letters or digits.
func ValidateCode(code string) error {
	if code == "" || len(code) > MaxCodeLength {
		return ErrCodeInvalid
	}
	for i := 0; i < len(code); i++ {
		if !isAlnum(code[i]) {
			return ErrCodeInvalid
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ParseTimestamp parses a Unix timestamp query parameter. Surrounding whitespace is ignored.
func ParseTimestamp(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrTimestampMissing
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrTimestampInvalid
	}
	return ts, nil
}
