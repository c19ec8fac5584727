package fsutil

import (
	"strings"
	"unicode/utf8"

	"nasdrive/internal/common"
)

const (
	// DefaultWhitelist is used when the configuration leaves the allow-list empty.
	DefaultWhitelist  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789äöüÄÖÜß ._-+,()[]@"
	DefaultNameLength = 128
)

// NameValidator checks single path components against an allow-listed
// character set and a maximum length in bytes.
type NameValidator struct {
	allowed map[rune]struct{}
	maxLen  int
}

func NewNameValidator(whitelist string, maxLen int) *NameValidator {
	if whitelist == "" {
		whitelist = DefaultWhitelist
	}
	if maxLen <= 0 {
		maxLen = DefaultNameLength
	}
	allowed := make(map[rune]struct{}, utf8.RuneCountInString(whitelist))
	for _, r := range whitelist {
		allowed[r] = struct{}{}
	}
	return &NameValidator{allowed: allowed, maxLen: maxLen}
}

func (v *NameValidator) MaxLen() int { return v.maxLen }

func (v *NameValidator) Valid(name string) bool {
	return v.Check(name) == nil
}

// Check returns an error wrapping common.ErrNameInvalid if name is not an
// acceptable path component.
func (v *NameValidator) Check(name string) error {
	reason := v.reject(name)
	if reason == "" {
		return nil
	}
	return common.NewPathError("validate", name, common.ErrNameInvalid).WithDetail(reason)
}

func (v *NameValidator) reject(name string) string {
	switch {
	case name == "":
		return "empty name"
	case len(name) > v.maxLen:
		return "name too long"
	case !utf8.ValidString(name):
		return "invalid encoding"
	case name == "." || name == "..":
		return "reserved name"
	case strings.HasPrefix(name, partialPrefix):
		return "reserved prefix"
	case strings.ContainsAny(name, "/\\\x00"):
		return "contains separator"
	case strings.HasPrefix(name, " ") || strings.HasSuffix(name, " "):
		return "leading or trailing space"
	case strings.HasSuffix(name, "."):
		return "trailing dot"
	}
	for _, r := range name {
		if _, ok := v.allowed[r]; !ok {
			return "character not allowed"
		}
	}
	return ""
}
