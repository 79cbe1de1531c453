package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"cronbot/internal/transport"
	logx "cronbot/pkg/logx"
)

// Sender delivers job messages through one or more Telegram bot
// identities. Sends are rate limited per bot to stay under Telegram's
// global sender limits.
type Sender struct {
	log logx.Logger

	mu        sync.Mutex
	bots      map[string]*tele.Bot
	limiters  map[string]*rate.Limiter
	defaultID string
}

var _ transport.Sender = (*Sender)(nil)

// Config controls the Telegram sender.
type Config struct {
	Bots       []transport.BotConfig
	RatePerSec int // per bot; default 25
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if len(cfg.Bots) == 0 {
		return nil, errors.New("telegram: at least one bot is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}

	s := &Sender{
		log:      log,
		bots:     map[string]*tele.Bot{},
		limiters: map[string]*rate.Limiter{},
	}
	for _, bc := range cfg.Bots {
		id := strings.TrimSpace(bc.ID)
		if id == "" {
			return nil, errors.New("telegram: bot id is empty")
		}
		if strings.TrimSpace(bc.Token) == "" {
			return nil, fmt.Errorf("telegram: bot %q has no token", id)
		}
		b, err := tele.NewBot(tele.Settings{
			Token:   bc.Token,
			Offline: false,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: bot %q: %w", id, err)
		}
		s.bots[id] = b
		s.limiters[id] = rate.NewLimiter(rate.Limit(rps), rps)
		if bc.Default || s.defaultID == "" {
			s.defaultID = id
		}
	}
	return s, nil
}

// Send implements the scheduler's message collaborator.
func (s *Sender) Send(ctx context.Context, chatID int64, text string, botID string) error {
	if chatID == 0 {
		return errors.New("telegram: chat id is required")
	}

	s.mu.Lock()
	id := strings.TrimSpace(botID)
	if id == "" {
		id = s.defaultID
	}
	bot := s.bots[id]
	lim := s.limiters[id]
	s.mu.Unlock()

	if bot == nil {
		return fmt.Errorf("telegram: unknown bot %q", botID)
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	_, err := bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		s.log.Warn("telegram send failed",
			logx.Int64("chat", chatID),
			logx.String("bot", id),
			logx.Err(err))
		return err
	}
	s.log.Debug("telegram send ok",
		logx.Int64("chat", chatID),
		logx.String("bot", id),
		logx.Duration("took", time.Since(start)))
	return nil
}
