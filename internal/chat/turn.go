package chat

import "time"

// Turn pairs an assistant reply with the user query that preceded it.
// Turns are derived from a message log and never stored.
type Turn struct {
	AssistantMessageID string
	Timestamp          time.Time
	UserQuery          string
	AssistantPreview   string
}

func DeriveTurns(log []Message) []Turn {
	turns := make([]Turn, 0, len(log)/2)
	lastUser := ""
	for _, msg := range log {
		if msg.Author == AuthorUser {
			lastUser = msg.Text
			continue
		}
		preview, _ := SplitReasoning(msg.Text)
		turns = append(turns, Turn{
			AssistantMessageID: msg.ID,
			Timestamp:          msg.CreatedAt,
			UserQuery:          lastUser,
			AssistantPreview:   preview,
		})
	}
	return turns
}

// PrecedingUserQuery returns the text of the nearest user message before the
// assistant message with the given id.
func PrecedingUserQuery(log []Message, assistantID string) (string, bool) {
	lastUser := ""
	seenUser := false
	for _, msg := range log {
		if msg.Author == AuthorUser {
			lastUser = msg.Text
			seenUser = true
			continue
		}
		if msg.ID == assistantID {
			return lastUser, seenUser
		}
	}
	return "", false
}
