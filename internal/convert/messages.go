package convert

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is a converted SFT example.
type Record struct {
	Messages []Message `json:"messages"`
}

// PairTurns assigns alternating user and assistant roles to raw turns, the
// first turn being the user's.
func PairTurns(turns []string) []Message {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs[i] = Message{Role: role, Content: t}
	}
	return Normalize(msgs)
}

// Normalize drops a trailing unpaired message. Applying it twice is the same
// as applying it once.
func Normalize(msgs []Message) []Message {
	if len(msgs)%2 == 0 {
		return msgs
	}
	log.Warn().Int("messages", len(msgs)).Msg("Example has an odd number of messages, cutting the last one")
	return msgs[:len(msgs)-1]
}

var filterKeywords = []string{
	"OpenAI", "Open AI", "ChatGPT", "Chat GPT",
	"GPT-3", "GPT3", "GPT 3", "GPT-4", "GPT4", "GPT 4", "GPT-3.5", "GPT3.5", "GPT 3.5",
	"BingChat", "Bing Chat", "LAMDA", "LaMDA", "Google AI", "Bard",
	"Anthropic", "Claude", "LLaMA", "Meta AI",
}

var keywordPattern = func() *regexp.Regexp {
	fold := cases.Fold()
	quoted := make([]string, len(filterKeywords))
	for i, k := range filterKeywords {
		quoted[i] = regexp.QuoteMeta(fold.String(k))
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}()

// MentionsModelProvider reports whether any assistant message names a model
// or provider from the keyword list, as whole words and ignoring case.
func MentionsModelProvider(msgs []Message) bool {
	fold := cases.Fold()
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		if keywordPattern.MatchString(fold.String(m.Content)) {
			return true
		}
	}
	return false
}

// HasEmptyMessage reports whether any message is blank.
func HasEmptyMessage(msgs []Message) bool {
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			return true
		}
	}
	return false
}
