package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchRule_Matches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		rule    MatchRule
		content string
		want    bool
	}{
		{"none always passes", MatchRule{Kind: MatchNone}, "anything", true},
		{"empty pattern passes", MatchRule{Kind: MatchKeyword}, "anything", true},
		{"keyword insensitive hit", MatchRule{Kind: MatchKeyword, Pattern: "price"}, "Current Price: $10", true},
		{"keyword insensitive miss", MatchRule{Kind: MatchKeyword, Pattern: "discount"}, "Current Price: $10", false},
		{"keyword sensitive miss", MatchRule{Kind: MatchKeyword, Pattern: "price", CaseSensitive: true}, "Current Price: $10", false},
		{"regex insensitive hit", MatchRule{Kind: MatchRegex, Pattern: `price:\s+\$\d+`}, "Price: $12", true},
		{"regex sensitive miss", MatchRule{Kind: MatchRegex, Pattern: `price`, CaseSensitive: true}, "Price: $12", false},
		{"invalid regex is a non-match", MatchRule{Kind: MatchRegex, Pattern: `([`}, "anything", false},
		{"unknown kind passes", MatchRule{Kind: "weird", Pattern: "x"}, "anything", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.rule.Matches(tc.content))
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	t.Parallel()

	set := NormalizeExtensions([]string{" PDF", ".docx", "", "pdf", "Zip "})
	require.Equal(t, map[string]bool{"pdf": true, "docx": true, "zip": true}, set)
}

func TestMonitor_AllowedExtensions_Default(t *testing.T) {
	t.Parallel()

	m := Monitor{}
	set := m.AllowedExtensions()
	require.True(t, set["pdf"])
	require.True(t, set["xlsx"])
	require.False(t, set["exe"])

	m.AttachmentTypes = []string{"pdf"}
	set = m.AllowedExtensions()
	require.True(t, set["pdf"])
	require.False(t, set["xlsx"])
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	require.Less(t, SeverityError.Rank(), SeverityWarn.Rank())
	require.Less(t, SeverityWarn.Rank(), SeverityInfo.Rank())
	require.Less(t, SeverityInfo.Rank(), SeverityDebug.Rank())
	require.Equal(t, SeverityInfo.Rank(), Severity("bogus").Rank())
}
