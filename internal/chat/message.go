package chat

import (
	"regexp"
	"strings"
	"time"
)

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

type Message struct {
	ID                string    `json:"id"`
	Author            Author    `json:"author"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"created_at"`
	AttachmentPreview string    `json:"attachment_preview,omitempty"`
}

// Safety is the server-side risk metadata attached to a reply. Only
// ShowCrisisBanner is interpreted by the client; the rest is passthrough.
type Safety struct {
	RiskLevel        string   `json:"risk_level,omitempty"`
	ShowCrisisBanner bool     `json:"show_crisis_banner"`
	EmotionLabel     *string  `json:"emotion_label,omitempty"`
	EmotionScore     *float64 `json:"emotion_score,omitempty"`
	PolicyAction     string   `json:"policy_action,omitempty"`
	MonitorProvider  string   `json:"monitor_provider,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
	FallbackReason   *string  `json:"fallback_reason,omitempty"`
}

type Attachment struct {
	MimeType   string `json:"mime_type"`
	Base64Data string `json:"base64_data"`
	Filename   string `json:"filename,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var thinkBlockPattern = regexp.MustCompile(`(?is)<think>(.*?)</think>`)
var thinkTagPattern = regexp.MustCompile(`(?i)</?think>`)

// SplitReasoning separates an optional <think>...</think> block from the
// answer text of an assistant reply.
func SplitReasoning(raw string) (answer string, thinking string) {
	loc := thinkBlockPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return strings.TrimSpace(raw), ""
	}
	thinking = strings.TrimSpace(raw[loc[2]:loc[3]])
	answer = strings.TrimSpace(raw[:loc[0]] + raw[loc[1]:])
	if answer == "" && thinking != "" {
		answer = strings.TrimSpace(thinkTagPattern.ReplaceAllString(raw, ""))
	}
	if answer == "" {
		answer = strings.TrimSpace(raw)
	}
	return answer, thinking
}
