package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	gobot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const updateTimeout = 30

// TelegramConfig represents the configuration of the telegram handler.
type TelegramConfig struct {
	Token string
	// AuthorizedUsers lists the user ids allowed to issue commands. An empty
	// list allows everyone.
	AuthorizedUsers []int64
	Commands        *CommandHandler
	Logger          *zerolog.Logger
}

// TelegramHandler routes telegram commands to the command handler and pushes
// notifications to the chats it knows about.
type TelegramHandler struct {
	cfg   *TelegramConfig
	bot   *gobot.BotAPI
	chats map[int64]struct{}
	mtx   sync.RWMutex
}

// NewTelegramHandler connects to the bot API.
func NewTelegramHandler(cfg *TelegramConfig) (*TelegramHandler, error) {
	var errs error
	if cfg.Token == "" {
		errs = errors.Join(errs, errors.New("telegram token cannot be an empty string"))
	}
	if cfg.Commands == nil {
		errs = errors.Join(errs, errors.New("no command handler provided"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("no logger provided"))
	}
	if errs != nil {
		return nil, errs
	}

	bot, err := gobot.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	bot.Debug = false

	h := newTelegramHandler(cfg)
	h.bot = bot
	cfg.Logger.Info().Str("@", bot.Self.UserName).Msg("telegram connected")

	return h, nil
}

func newTelegramHandler(cfg *TelegramConfig) *TelegramHandler {
	h := &TelegramHandler{
		cfg:   cfg,
		chats: make(map[int64]struct{}),
	}
	// Private chats share the user's id.
	for _, id := range cfg.AuthorizedUsers {
		h.chats[id] = struct{}{}
	}
	return h
}

// authorized reports whether userID may issue commands.
func (h *TelegramHandler) authorized(userID int64) bool {
	return len(h.cfg.AuthorizedUsers) == 0 || slices.Contains(h.cfg.AuthorizedUsers, userID)
}

func (h *TelegramHandler) rememberChat(chatID int64) {
	h.mtx.Lock()
	h.chats[chatID] = struct{}{}
	h.mtx.Unlock()
}

func (h *TelegramHandler) knownChats() []int64 {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	chats := make([]int64, 0, len(h.chats))
	for id := range h.chats {
		chats = append(chats, id)
	}
	slices.Sort(chats)
	return chats
}

// Run long-polls updates until ctx is cancelled.
func (h *TelegramHandler) Run(ctx context.Context) error {
	u := gobot.NewUpdate(0)
	u.Timeout = updateTimeout

	updates := h.bot.GetUpdatesChan(u)
	defer h.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			h.handleUpdate(ctx, up)
		}
	}
}

func (h *TelegramHandler) handleUpdate(ctx context.Context, up gobot.Update) {
	msg := up.Message
	if msg == nil || !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	if msg.From == nil || !h.authorized(msg.From.ID) {
		h.cfg.Logger.Warn().Msgf("unauthorized command /%s from chat %d", msg.Command(), chatID)
		h.send(chatID, "You are not authorized to use this bot.")
		return
	}
	h.rememberChat(chatID)

	h.cfg.Logger.Info().Msgf("command /%s from user %d", msg.Command(), msg.From.ID)
	h.send(chatID, h.cfg.Commands.Handle(ctx, msg.Command(), msg.CommandArguments()))
}

// Notify sends msg to every known chat.
func (h *TelegramHandler) Notify(msg string) {
	for _, chatID := range h.knownChats() {
		h.send(chatID, msg)
	}
}

func (h *TelegramHandler) send(chatID int64, text string) {
	if h.bot == nil {
		return
	}
	if _, err := h.bot.Send(gobot.NewMessage(chatID, text)); err != nil {
		h.cfg.Logger.Error().Err(err).Msgf("sending telegram message to chat %d", chatID)
	}
}
