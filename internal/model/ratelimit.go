package model

import "time"

type RateLimitConfig struct {
	PerMinute int `json:"perMinute" yaml:"per_minute"`
	PerDay    int `json:"perDay" yaml:"per_day"`
}

type RateLimitStatus struct {
	Channel          Channel         `json:"channel"`
	Config           RateLimitConfig `json:"config"`
	MinuteUsed       int             `json:"minuteUsed"`
	DayUsed          int             `json:"dayUsed"`
	MinuteRemaining  int             `json:"minuteRemaining"`
	DayRemaining     int             `json:"dayRemaining"`
	MinuteResetAt    time.Time       `json:"minuteResetAt"`
	DayResetAt       time.Time       `json:"dayResetAt"`
	Limited          bool            `json:"limited"`
	RecommendedDelay time.Duration   `json:"recommendedDelay"`
}
