package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantAction string
		wantParams []string
	}{
		{"action only", Encode(Rank), Rank, []string{}},
		{"roll", Encode(RollOne, "ab12cd34", ID(42)), RollOne, []string{"ab12cd34", "42"}},
		{"form feed", "\f" + Encode(Join, "ab12cd34"), Join, []string{"ab12cd34"}},
		{"empty", "", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, params := Decode(tt.data)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestInt64(t *testing.T) {
	_, params := Decode("fs:abc:-100123")
	v, ok := Int64(params, 1)
	assert.True(t, ok)
	assert.Equal(t, int64(-100123), v)

	_, ok = Int64(params, 0)
	assert.False(t, ok)
	_, ok = Int64(params, 5)
	assert.False(t, ok)
}
