package wikitext

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want *int64
	}{
		{"50000", ptr(50000)},
		{"50,000 (estimated)", ptr(50000)},
		{"50,000 (estimated) (maybe)", ptr(50000)},
		{" 1 200 ", ptr(1200)},
		{"75000+", ptr(75000)},
		{"0", ptr(0)},
		{"???", nil},
		{"Variable", nil},
		{"variable (depends on players)", nil},
		{"unknown", nil},
		{"N/A", nil},
		{"", nil},
		{"   ", nil},
		{"(estimated)", nil},
		{"lots", nil},
		{"1,500-2,000", nil},
		{"-5", nil},
		{"3.5", nil},
		{"99999999999999999999999", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseCount(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestParseCount_Idempotent(t *testing.T) {
	for _, in := range []string{"50,000 (estimated)", "12 345", "7"} {
		first := ParseCount(in)
		require.NotNil(t, first)
		again := ParseCount(strconv.FormatInt(*first, 10))
		require.NotNil(t, again)
		assert.Equal(t, *first, *again)
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Fire, Energy (partial)", []string{"Fire", "Energy"}},
		{"Fire, Energy, Ice (all partial)", []string{"Fire", "Energy", "Ice"}},
		{"Energy", []string{"Energy"}},
		{"Poison,,  Fire ,", []string{"Poison", "Fire"}},
		{"Fire, ???", []string{"Fire"}},
		{"Fire, Variable", []string{"Fire"}},
		{"Fire, Fire", []string{"Fire", "Fire"}},
		{"none", []string{}},
		{"???", []string{}},
		{"", []string{}},
		{"(none)", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseList(tt.in)
			assert.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseList_Idempotent(t *testing.T) {
	for _, in := range []string{"Fire, Energy (partial)", "Paralysis, Invisibility, Drunkenness", "none"} {
		first := ParseList(in)
		assert.Equal(t, first, ParseList(strings.Join(first, ", ")))
		assert.Equal(t, first, CleanList(first))
	}
}

func TestParseText(t *testing.T) {
	v := ParseText("  8.0 ")
	require.NotNil(t, v)
	assert.Equal(t, "8.0", *v)
	assert.Nil(t, ParseText("???"))
	assert.Nil(t, ParseText(""))
}

func TestIsUnknown(t *testing.T) {
	for _, s := range []string{"???", "Variable", "VARIABLE", "unknown", "n/a", "?", " ", "none"} {
		assert.True(t, IsUnknown(s), s)
	}
	for _, s := range []string{"Fire", "50000", "Energy"} {
		assert.False(t, IsUnknown(s), s)
	}
}

func ptr(n int64) *int64 { return &n }
