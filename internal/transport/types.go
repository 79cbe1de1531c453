package transport

import "context"

// Sender delivers outbound messages on behalf of scheduled jobs. The botID
// selects which configured bot identity sends the message; an empty botID
// means the default bot.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, botID string) error
}

// BotConfig describes one bot identity.
type BotConfig struct {
	ID      string // stable identifier referenced by job payloads
	Token   string
	Default bool
}
