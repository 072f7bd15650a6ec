package phone

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

var directory = []string{
	"12345678",
	"1234-5678",
	"(123)12345678#1",
	"1234567#2",
	"+55(81)87042155",
	"(81)87042155",
	"190",
	"911",
	"abcdefg",
	"+352 691 123456",
	"32634146",
	"32634911",
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want Number
	}{
		{"12345678", Number{Digits: "12345678"}},
		{"1234-5678", Number{Digits: "12345678"}},
		{"(123)12345678#1", Number{Digits: "12312345678", Extension: "1"}},
		{"+352 691 123456", Number{Digits: "352691123456", International: true}},
		{"abc12345678", Number{Digits: "12345678"}},
		{"12+34", Number{Digits: "1234"}},
		{"abcdefg", Number{}},
		{"#12", Number{Extension: "12"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
		})
	}
}

func TestMatchDirectory(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"string equal", "12345678", 3},
		{"number with dash", "1234-5678", 3},
		{"plain number", "87042155", 2},
		{"number with area code", "(81)87042155", 2},
		{"number with country code", "+55(81)87042155", 2},
		{"both numbers with extension", "12345678#1", 1},
		{"same digits same extension", "1234567#2", 1},
		{"same digits different extension", "1234567#3", 0},
		{"short emergency number", "190", 1},
		{"short number not a suffix", "911", 1},
		{"different short number", "11", 0},
		{"non phone string", "abcdefg", 0},
		{"phone number and custom string", "bcdefg12345678", 3},
		{"international formatting", "+352 691 123456", 1},
		{"international digits only", "352691123456", 1},
		{"small value", "146", 0},
		{"small value with plus", "+146", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			for _, candidate := range directory {
				if MatchString(tt.query, candidate) {
					got++
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchIsSymmetricWithoutExtensions(t *testing.T) {
	pairs := [][2]string{
		{"12345678", "(123)12345678"},
		{"190", "190"},
		{"11", "911"},
		{"+352691123456", "691123456"},
	}
	for _, p := range pairs {
		assert.Equal(t, MatchString(p[0], p[1]), MatchString(p[1], p[0]), "%s vs %s", p[0], p[1])
	}
}

func TestMatchingNumbersShareKey(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		base := strconv.Itoa(rng.Intn(100000000))
		prefix := strconv.Itoa(rng.Intn(1000))
		a := Normalize(base)
		b := Normalize(prefix + base)
		if Match(a, b) {
			assert.Equal(t, a.Key(), b.Key(), "%s vs %s", a, b)
		}
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "190", Normalize("190").Key())
	assert.Equal(t, "2345678", Normalize("12345678").Key())
	assert.Equal(t, "2345678", Normalize("(123)12345678#1").Key())
}

func TestValid(t *testing.T) {
	assert.True(t, Normalize("190").Valid())
	assert.False(t, Normalize("+190").Valid())
	assert.False(t, Normalize("no digits").Valid())
	assert.True(t, Normalize("+352 691 123456").Valid())
}
