package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnibox/internal/message"
)

func TestSentimentOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SentimentPositive, SentimentOf("Thanks, that's great"))
	assert.Equal(t, SentimentNegative, SentimentOf("something is wrong"))
	assert.Equal(t, SentimentNegative, SentimentOf("thanks, but there is a problem"), "negative wins")
	assert.Equal(t, SentimentNeutral, SentimentOf("see you tomorrow"))
}

func TestCategoryOfOrder(t *testing.T) {
	t.Parallel()

	cases := map[string]Category{
		"the build is broken":            CategoryTechnical,
		"how do I reset it? it's urgent": CategoryInquiry,
		"we could ship faster":           CategoryFeedback,
		"need this asap":                 CategoryUrgent,
		"hello there":                    CategoryGeneral,
		"why is there an error, asap":    CategoryTechnical,
		"I suggest we do it, emergency!": CategoryFeedback,
	}
	for content, want := range cases {
		assert.Equal(t, want, CategoryOf(content), content)
	}
}

func TestKeyTopics(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"deploy", "the", "api", "now"}, KeyTopics("Deploy the API... the API now!"))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, KeyTopics("a b c d e f g"))
	assert.Empty(t, KeyTopics("  ... !!"))
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	msgs := []message.Message{
		{Content: "Urgent: error in prod", Timestamp: now.Add(-48 * time.Hour)},
		{Content: "thanks team", Timestamp: now.Add(-48 * time.Hour)},
		{Content: "any update?", Timestamp: now.Add(-30 * time.Minute)},
	}
	summary := Summarize(msgs, now)

	require.Equal(t, 3, summary.MessageCount)
	assert.Equal(t, []string{"urgent", "error", "in", "prod", "thanks"}, summary.KeyTopics)
	assert.Equal(t, PriorityBreakdown{High: 2, Medium: 0, Low: 1}, summary.PriorityBreakdown)
	assert.Equal(t, 1, summary.SentimentAnalysis[SentimentNegative])
	assert.Equal(t, 1, summary.SentimentAnalysis[SentimentPositive])
	assert.Equal(t, 1, summary.SentimentAnalysis[SentimentNeutral])
	assert.Equal(t, 1, summary.Categories[CategoryTechnical])
	assert.Equal(t, 2, summary.Categories[CategoryGeneral])
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	summary := Summarize(nil, time.Now())
	assert.Zero(t, summary.MessageCount)
	assert.NotNil(t, summary.KeyTopics)
	assert.Empty(t, summary.SentimentAnalysis)
}
