package arcx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    Level
		wantErr bool
	}{
		{"store", Store, false},
		{"fast", Fast, false},
		{"normal", Normal, false},
		{"best", Best, false},
		{"", Normal, false},
		{"ultra", levelNotSet, true},
		{"Store", levelNotSet, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if tt.wantErr {
			assert.Errorf(t, err, "ParseLevel(%q)", tt.name)
			continue
		}
		assert.NoErrorf(t, err, "ParseLevel(%q) error = %v", tt.name, err)
		assert.Equalf(t, tt.want, got, "ParseLevel(%q)", tt.name)
	}
}

func TestLevel_Or(t *testing.T) {
	var unset Level
	assert.Equal(t, Best, unset.or(Best))
	assert.Equal(t, Store, Store.or(Best))
	assert.Equal(t, "normal", unset.String())
}

func TestLevel_Valid(t *testing.T) {
	for _, l := range []Level{Store, Fast, Normal, Best} {
		assert.Truef(t, l.valid(), "%s.valid()", l)
	}
	assert.False(t, Level(17).valid())
	assert.False(t, Level(-1).valid())
}
