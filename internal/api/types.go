package api

import (
	"time"

	"gangban/internal/chat"
)

type ChatRequest struct {
	UserID     string           `json:"user_id"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Message    string           `json:"message"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

type ChatResponse struct {
	RequestID string      `json:"request_id"`
	ThreadID  string      `json:"thread_id"`
	Runtime   string      `json:"runtime"`
	Provider  string      `json:"provider"`
	Reply     string      `json:"reply"`
	Safety    chat.Safety `json:"safety"`
}

type HistoryQuery struct {
	UserID   string
	ThreadID string
	Limit    int
}

type HistoryTurn struct {
	RequestID      string      `json:"request_id"`
	ThreadID       string      `json:"thread_id"`
	CreatedAt      string      `json:"created_at"`
	UserMessage    string      `json:"user_message"`
	AssistantReply string      `json:"assistant_reply"`
	Safety         chat.Safety `json:"safety"`
}

type HistoryResponse struct {
	UserID   string        `json:"user_id"`
	Role     string        `json:"role"`
	ThreadID string        `json:"thread_id"`
	Turns    []HistoryTurn `json:"turns"`
}

type ClearHistoryRequest struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	ThreadID string `json:"thread_id,omitempty"`
}

type ClearHistoryResponse struct {
	NewThreadID                string `json:"new_thread_id"`
	ClearedTurnCount           int    `json:"cleared_turn_count"`
	ClearedRecommendationCount int    `json:"cleared_recommendation_count"`
}

type RecommendationRequest struct {
	UserID         string   `json:"user_id"`
	Role           string   `json:"role"`
	Query          string   `json:"query"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	ChatRequestID  string   `json:"chat_request_id,omitempty"`
	MaxResults     int      `json:"max_results"`
	PreferenceTags []string `json:"preference_tags,omitempty"`
	TravelMode     string   `json:"travel_mode"`
}

type RecommendationItem struct {
	PlaceID          string           `json:"place_id"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	Rating           *float64         `json:"rating,omitempty"`
	UserRatingsTotal *int             `json:"user_ratings_total,omitempty"`
	Types            []string         `json:"types,omitempty"`
	Location         chat.Coordinates `json:"location"`
	PhotoURL         string           `json:"photo_url,omitempty"`
	MapsURI          string           `json:"maps_uri,omitempty"`
	DistanceText     string           `json:"distance_text,omitempty"`
	DurationText     string           `json:"duration_text,omitempty"`
	FitScore         float64          `json:"fit_score"`
	Rationale        string           `json:"rationale"`
}

type RecommendationContext struct {
	WeatherCondition string   `json:"weather_condition"`
	TemperatureC     *float64 `json:"temperature_c,omitempty"`
	Degraded         bool     `json:"degraded"`
	FallbackReason   string   `json:"fallback_reason,omitempty"`
}

type RecommendationResponse struct {
	RequestID       string                `json:"request_id"`
	Recommendations []RecommendationItem  `json:"recommendations"`
	Context         RecommendationContext `json:"context"`
}

type RecommendationHistoryRequest struct {
	UserID     string   `json:"user_id"`
	Role       string   `json:"role"`
	RequestIDs []string `json:"request_ids"`
}

type RecommendationHistoryResponse struct {
	Results []RecommendationResponse `json:"results"`
}

// ParseTimestamp reads the RFC 3339 timestamps the backend emits.
func ParseTimestamp(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
