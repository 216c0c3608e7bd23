// Package analysis derives lightweight keyword insights from message text.
package analysis

import (
	"strings"
	"time"
	"unicode"

	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/priority"
)

// Sentiment is the coarse tone of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Category is the coarse intent of a message.
type Category string

const (
	CategoryTechnical Category = "technical"
	CategoryInquiry   Category = "inquiry"
	CategoryFeedback  Category = "feedback"
	CategoryUrgent    Category = "urgent"
	CategoryGeneral   Category = "general"
)

// MaxKeyTopics bounds the topics extracted per message.
const MaxKeyTopics = 5

var (
	positiveWords = []string{"thanks", "great", "good", "happy", "pleased"}
	negativeWords = []string{"issue", "problem", "error", "wrong", "bad"}
)

// Category rules are evaluated in order; the first match wins.
var categoryRules = []struct {
	category Category
	words    []string
}{
	{CategoryTechnical, []string{"error", "bug", "issue", "problem", "broken"}},
	{CategoryInquiry, []string{"how", "what", "when", "where", "why"}},
	{CategoryFeedback, []string{"suggest", "improve", "better", "would", "could"}},
	{CategoryUrgent, []string{"asap", "urgent", "emergency", "critical"}},
}

// Analysis is the per-message result.
type Analysis struct {
	Sentiment Sentiment `json:"sentiment"`
	Category  Category  `json:"category"`
	KeyTopics []string  `json:"keyTopics"`
}

// Analyze returns sentiment, category and topics for content.
func Analyze(content string) Analysis {
	return Analysis{
		Sentiment: SentimentOf(content),
		Category:  CategoryOf(content),
		KeyTopics: KeyTopics(content),
	}
}

// SentimentOf scores tone by substring match. Negative outranks positive.
func SentimentOf(content string) Sentiment {
	lower := strings.ToLower(content)
	switch {
	case containsAny(lower, negativeWords):
		return SentimentNegative
	case containsAny(lower, positiveWords):
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

// CategoryOf returns the first category whose keywords appear in content.
func CategoryOf(content string) Category {
	lower := strings.ToLower(content)
	for _, rule := range categoryRules {
		if containsAny(lower, rule.words) {
			return rule.category
		}
	}
	return CategoryGeneral
}

// KeyTopics returns up to MaxKeyTopics distinct lowercased words in order of
// first appearance. Words are runs of letters, digits and underscores.
func KeyTopics(content string) []string {
	return appendTopics(make([]string, 0, MaxKeyTopics), map[string]struct{}{}, content)
}

func appendTopics(topics []string, seen map[string]struct{}, content string) []string {
	for _, word := range words(content) {
		if len(topics) == MaxKeyTopics {
			break
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		topics = append(topics, word)
	}
	return topics
}

func words(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// PriorityBreakdown counts messages per priority.
type PriorityBreakdown struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Summary aggregates a set of messages.
type Summary struct {
	MessageCount      int               `json:"messageCount"`
	KeyTopics         []string          `json:"keyTopics"`
	PriorityBreakdown PriorityBreakdown `json:"priorityBreakdown"`
	SentimentAnalysis map[Sentiment]int `json:"sentimentAnalysis"`
	Categories        map[Category]int  `json:"categories"`
}

// Summarize folds msgs into a Summary. KeyTopics is the first MaxKeyTopics
// distinct words across all messages. Priorities are recomputed at now with
// an empty timeline so the breakdown reflects content and age only.
func Summarize(msgs []message.Message, now time.Time) Summary {
	summary := Summary{
		MessageCount:      len(msgs),
		KeyTopics:         make([]string, 0, MaxKeyTopics),
		SentimentAnalysis: map[Sentiment]int{},
		Categories:        map[Category]int{},
	}
	seen := map[string]struct{}{}
	for _, msg := range msgs {
		summary.SentimentAnalysis[SentimentOf(msg.Content)]++
		summary.Categories[CategoryOf(msg.Content)]++
		summary.KeyTopics = appendTopics(summary.KeyTopics, seen, msg.Content)
		switch priority.Classify(msg.Content, msg.Timestamp, nil, now) {
		case message.PriorityHigh:
			summary.PriorityBreakdown.High++
		case message.PriorityMedium:
			summary.PriorityBreakdown.Medium++
		default:
			summary.PriorityBreakdown.Low++
		}
	}
	return summary
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
