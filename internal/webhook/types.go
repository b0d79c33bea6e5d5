package webhook

import (
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("webhook queue full")
	ErrStopped     = errors.New("webhook client stopped")
	ErrCircuitOpen = errors.New("webhook circuit open")
)

// Message is one text message for a chat-bot webhook.
type Message struct {
	Content string
	// Mentions are contact handles (mobile numbers) to @-mention.
	Mentions []string
}

// Config controls the async delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration // per request; default 5s

	// Consecutive failures that open a URL's breaker, and how long it stays open.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// wire shapes

type payload struct {
	MsgType string      `json:"msgtype"`
	Text    textPayload `json:"text"`
}

type textPayload struct {
	Content             string   `json:"content"`
	MentionedMobileList []string `json:"mentioned_mobile_list,omitempty"`
}

type response struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}
