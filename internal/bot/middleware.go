package bot

import (
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/config"
)

// privateCommands are the only updates answered outside a group.
var privateCommands = []string{"/help", "/start"}

// WhitelistMiddleware drops updates from chats that are not whitelisted.
// Private chats only get the help text.
func WhitelistMiddleware(cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			chat := c.Chat()
			if chat == nil || c.Sender() == nil {
				return nil
			}

			if chat.Type == tele.ChatPrivate {
				if isPrivateCommand(c.Text()) {
					return next(c)
				}
				return nil
			}

			if !cfg.IsChatAllowed(chat.ID) {
				log.Debug().
					Int64("chat_id", chat.ID).
					Msg("Ignoring update from non-whitelisted chat")
				return nil
			}
			return next(c)
		}
	}
}

func isPrivateCommand(text string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	for _, p := range privateCommands {
		if cmd == p {
			return true
		}
	}
	return false
}

// AdminMiddleware rejects senders that are not configured admins.
func AdminMiddleware(cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}

			if !cfg.IsAdmin(sender.ID) {
				log.Warn().
					Int64("user_id", sender.ID).
					Str("command", c.Text()).
					Msg("Non-admin attempted admin command")
				return c.Reply("❌ 越权拦截：仅限管理员使用")
			}
			return next(c)
		}
	}
}

// LoggingMiddleware logs every incoming update.
func LoggingMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			chat := c.Chat()

			logEvent := log.Debug()
			if sender != nil {
				logEvent = logEvent.
					Int64("user_id", sender.ID).
					Str("username", sender.Username)
			}
			if chat != nil {
				logEvent = logEvent.
					Int64("chat_id", chat.ID).
					Str("chat_type", string(chat.Type))
			}
			if cb := c.Callback(); cb != nil {
				logEvent = logEvent.Str("callback", cb.Data)
			}
			if msg := c.Message(); msg != nil && msg.Dice != nil {
				logEvent = logEvent.Int("dice", msg.Dice.Value)
			}
			logEvent.
				Str("text", c.Text()).
				Msg("Received update")

			return next(c)
		}
	}
}

// RecoveryMiddleware turns a handler panic into a logged error.
func RecoveryMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Msg("Recovered from panic in handler")
					if c.Callback() != nil {
						err = c.Respond(&tele.CallbackResponse{Text: "❌ 操作失败，请稍后重试"})
						return
					}
					err = nil
				}
			}()
			return next(c)
		}
	}
}
