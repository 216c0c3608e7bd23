// Package priority scores message urgency from its text, age and the
// response cadence of its room.
package priority

import (
	"strings"
	"time"

	"github.com/memohai/omnibox/internal/message"
)

var (
	urgentKeywords = []string{"urgent", "asap", "emergency", "critical", "important"}
	mediumKeywords = []string{"review", "update", "question", "help", "issue"}
)

const (
	highAge      = time.Hour
	mediumAge    = 4 * time.Hour
	highResponse = 4 * time.Hour
	medResponse  = 2 * time.Hour
)

// Entry is one message of a room timeline, oldest first.
type Entry struct {
	Sender string
	SentAt time.Time
}

// Classify labels a message. The first matching tier wins. It depends only
// on its arguments.
func Classify(content string, sentAt time.Time, timeline []Entry, now time.Time) message.Priority {
	lower := strings.ToLower(content)
	age := now.Sub(sentAt)
	avg := AverageResponseTime(timeline)

	if containsAny(lower, urgentKeywords) || age < highAge || avg > highResponse {
		return message.PriorityHigh
	}
	if containsAny(lower, mediumKeywords) || age < mediumAge || avg > medResponse {
		return message.PriorityMedium
	}
	return message.PriorityLow
}

// AverageResponseTime averages the gap between adjacent timeline entries
// whose senders differ. It is zero when the sender never changes.
func AverageResponseTime(timeline []Entry) time.Duration {
	var (
		total time.Duration
		pairs int64
	)
	for i := 1; i < len(timeline); i++ {
		prev, cur := timeline[i-1], timeline[i]
		if prev.Sender == cur.Sender {
			continue
		}
		total += cur.SentAt.Sub(prev.SentAt)
		pairs++
	}
	if pairs == 0 {
		return 0
	}
	return total / time.Duration(pairs)
}

// Timeline converts stored messages, oldest first, into classifier entries.
func Timeline(msgs []message.Message) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{Sender: m.Sender, SentAt: m.Timestamp})
	}
	return entries
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Classifier binds Classify to a clock.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a classifier using the wall clock.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// NewClassifierAt returns a classifier with a fixed clock, for tests and replays.
func NewClassifierAt(now func() time.Time) *Classifier {
	return &Classifier{now: now}
}

// Classify labels msg against the given room history.
func (c *Classifier) Classify(msg message.Message, history []message.Message) message.Priority {
	return Classify(msg.Content, msg.Timestamp, Timeline(history), c.now())
}
