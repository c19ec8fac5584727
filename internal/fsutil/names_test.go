package fsutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasdrive/internal/common"
)

func TestNameValidator_Check(t *testing.T) {
	v := NewNameValidator("", 16)

	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", "report.pdf", true},
		{"umlaut", "Übung äö.txt", true},
		{"brackets", "p (1) [r].jpg", true},
		{"dot file", ".hidden", true},
		{"scratch prefix", ".nasdrive-x", false},
		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"slash", "a/b", false},
		{"backslash", `a\b`, false},
		{"nul", "a\x00b", false},
		{"too long", strings.Repeat("a", 17), false},
		{"exactly max", strings.Repeat("a", 16), true},
		{"leading space", " a", false},
		{"trailing space", "a ", false},
		{"trailing dot", "a.", false},
		{"not allowed", "a*b", false},
		{"bad utf8", "a\xffb", false},
		{"emoji", "a😀", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(tt.input)
			if tt.ok {
				assert.NoError(t, err)
				assert.True(t, v.Valid(tt.input))
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrNameInvalid))
			assert.False(t, v.Valid(tt.input))
		})
	}
}

func TestNameValidator_MaxLenCountsBytes(t *testing.T) {
	v := NewNameValidator("", 4)
	// "ää" is 4 bytes, "äää" is 6
	assert.True(t, v.Valid("ää"))
	assert.False(t, v.Valid("äää"))
}

func TestNameValidator_CustomWhitelist(t *testing.T) {
	v := NewNameValidator("abc", 0)
	assert.Equal(t, DefaultNameLength, v.MaxLen())
	assert.True(t, v.Valid("cab"))
	assert.False(t, v.Valid("abd"))

	// the list replaces the built-in set, letters and digits are not implied
	v = NewNameValidator(" ._-", 0)
	assert.False(t, v.Valid("Report1.txt"))
	assert.True(t, v.Valid("_-._"))
}
