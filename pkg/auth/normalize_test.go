package auth

import (
	"testing"
	"time"

	"github.com/LingByte/LingReach/pkg/session"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeZIP(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"digits", "94107", "94107", true},
		{"zip plus four", "94107-1234", "94107", true},
		{"spoken english", "nine four one zero seven", "94107", true},
		{"spoken spanish", "nueve cuatro uno cero siete", "94107", true},
		{"leading zero", "my zip is 02134", "02134", true},
		{"oh for zero", "oh two one three four", "02134", true},
		{"too short", "9410", "", false},
		{"nonsense", "i don't know", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeZIP(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSSN4(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1234", "1234", true},
		{"one two three four", "1234", true},
		{"uno dos tres cuatro", "1234", true},
		{"123-45-6789", "6789", true},
		{"12345", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeSSN4(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"keypad", "5550003333", "+15550003333", true},
		{"country code", "15550003333", "+15550003333", true},
		{"spoken", "five five five zero zero zero three three three three", "+15550003333", true},
		{"formatted", "(555) 000-3333", "+15550003333", true},
		{"international", "+44 20 7946 0958", "+442079460958", true},
		{"too short", "555 0003", "", false},
		{"leading one ten digits", "1555000333", "", false},
		{"nonsense", "i don't remember", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDOB(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"us numeric", "03/15/1985", "1985-03-15", true},
		{"iso", "1985-03-15", "1985-03-15", true},
		{"day first when unambiguous", "15/03/1985", "1985-03-15", true},
		{"month name", "March 15th, 1985", "1985-03-15", true},
		{"spoken english", "march fifteenth nineteen eighty five", "1985-03-15", true},
		{"spoken day only words", "March the fifteenth 1985", "1985-03-15", true},
		{"spanish", "15 de marzo de 1985", "1985-03-15", true},
		{"spanish words", "quince de marzo de mil novecientos ochenta y cinco", "1985-03-15", true},
		{"two thousand", "january second two thousand three", "2003-01-02", true},
		{"compact", "03151985", "1985-03-15", true},
		{"digit by digit", "zero three one five one nine eight five", "1985-03-15", true},
		{"two digit year", "3/15/85", "1985-03-15", true},
		{"impossible day", "February 30 1985", "", false},
		{"future", "March 15 2030", "", false},
		{"missing year", "march fifteenth", "", false},
		{"garbage", "no lo sé", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeDOB(tt.in, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDispatch(t *testing.T) {
	v, ok := Normalize(session.FactZIP, "94107")
	assert.True(t, ok)
	assert.Equal(t, "94107", v)
	_, ok = Normalize(session.Fact("pin"), "1234")
	assert.False(t, ok)
	assert.Equal(t, "03/15/1985", FormatDOB("1985-03-15"))
}
