package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantKind Kind
		wantErr  bool
	}{
		{name: "exact host", source: "ads.example.com", wantKind: KindExact},
		{name: "wildcard", source: "*.doubleclick.net", wantKind: KindWildcard},
		{name: "regexp", source: "~^tracker[0-9]+\\.com$", wantKind: KindRegexp},
		{name: "case-insensitive regexp", source: "~*analytics", wantKind: KindRegexp},
		{name: "whitespace trimmed", source: "  example.com ", wantKind: KindExact},
		{name: "empty", source: "", wantErr: true},
		{name: "blank", source: "   ", wantErr: true},
		{name: "invalid regexp", source: "~[unclosed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.source)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, p.Kind)
		})
	}
}

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"ads.example.com", "ads.example.com", true},
		{"ads.example.com", "ADS.Example.COM", true},
		{"ads.example.com", "example.com", false},
		{"ads.example.com", "ads.example.com.evil", false},

		{"*.doubleclick.net", "ad.doubleclick.net", true},
		{"*.doubleclick.net", "a.b.DoubleClick.net", true},
		{"*.doubleclick.net", "doubleclick.net", false},
		{"*tracker*", "cdn.tracker.io", true},
		{"*", "anything", true},

		{"~^tracker[0-9]+\\.com$", "tracker42.com", true},
		{"~^tracker[0-9]+\\.com$", "Tracker42.com", false},
		{"~*^tracker[0-9]+\\.com$", "TRACKER42.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.host, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.host))
		})
	}
}

func TestPattern_MatchNil(t *testing.T) {
	var p *Pattern
	assert.False(t, p.Match("example.com"))
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		text    string
		pattern string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "example.org", false},
		{"a.example.com", "*.example.com", true},
		{"example.com", "example.*", true},
		{"a.b.c", "a*c", true},
		{"abc", "a*b*c", true},
		{"acb", "a*b*c", false},
		{"ab", "ab*ab", false},
		{"abab", "ab*ab", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchWildcard(tt.text, tt.pattern))
		})
	}
}

func TestCompileList(t *testing.T) {
	list, err := CompileList([]string{"ads.example.com", "", " ", "*.tracker.io"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	matched := list.Match("cdn.tracker.io")
	require.NotNil(t, matched)
	assert.Equal(t, "*.tracker.io", matched.Source)

	assert.Nil(t, list.Match("example.com"))

	_, err = CompileList([]string{"ok.com", "~("})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "exact", KindExact.String())
	assert.Equal(t, "wildcard", KindWildcard.String())
	assert.Equal(t, "regexp", KindRegexp.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
