package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRange(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		code, err := Generate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, code, Min)
		assert.LessOrEqual(t, code, Max)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 100)
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		stored  int
		entered string
		ok      bool
	}{
		{"match", 4821, "4821", true},
		{"mismatch", 4821, "4822", false},
		{"too short", 4821, "482", false},
		{"too long", 4821, "48210", false},
		{"non digit", 4821, "48a1", false},
		{"unset stored code", 0, "0000", false},
		{"sign", 1234, "+234", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.stored, tt.entered)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}
