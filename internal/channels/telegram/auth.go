package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/courier/internal/channels"
)

// Client is the Telegram API surface the session sends through.
// *bot.Bot satisfies it.
type Client interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error)
}

// AuthPrompt identifies what a sign-in flow needs next.
type AuthPrompt int

const (
	// PromptNone means sign-in is complete.
	PromptNone AuthPrompt = iota
	// PromptCode means the provider sent a login code out of band and
	// expects it back.
	PromptCode
	// PromptPassword means two-factor auth is enabled and the account
	// password is required.
	PromptPassword
)

// AuthStep is the outcome of one sign-in exchange. Client is set only
// when Prompt is PromptNone.
type AuthStep struct {
	Prompt AuthPrompt
	Client Client
}

// AuthFlow abstracts the Telegram sign-in conversation so the session's
// state machine does not depend on how credentials are exchanged. The
// stock flow is BotTokenFlow, which completes in a single step;
// user-account transports prompt for a login code and optionally a
// two-factor password.
type AuthFlow interface {
	// Begin starts sign-in with the configured credentials.
	Begin(ctx context.Context) (AuthStep, error)

	// SubmitCode answers a PromptCode step.
	SubmitCode(ctx context.Context, code string) (AuthStep, error)

	// SubmitPassword answers a PromptPassword step.
	SubmitPassword(ctx context.Context, password string) (AuthStep, error)
}

// BotTokenFlow signs in with a bot token. Creating the bot client
// validates the token against the Telegram API, so Begin either yields a
// ready client or an authentication error. Bot sign-in never prompts.
type BotTokenFlow struct {
	Token string

	// newBot is swapped in tests.
	newBot func(token string) (Client, error)
}

// NewBotTokenFlow creates the stock bot-token sign-in flow.
func NewBotTokenFlow(token string) *BotTokenFlow {
	return &BotTokenFlow{Token: token, newBot: newBotClient}
}

func newBotClient(token string) (Client, error) {
	return bot.New(token)
}

func (f *BotTokenFlow) Begin(ctx context.Context) (AuthStep, error) {
	if f.Token == "" {
		return AuthStep{}, channels.ErrConfig("token is required", nil)
	}
	client, err := f.newBot(f.Token)
	if err != nil {
		return AuthStep{}, channels.ErrAuthentication("telegram rejected bot token", err)
	}
	return AuthStep{Prompt: PromptNone, Client: client}, nil
}

func (f *BotTokenFlow) SubmitCode(ctx context.Context, code string) (AuthStep, error) {
	return AuthStep{}, channels.ErrInvalidInput("bot token sign-in does not prompt for a code", nil)
}

func (f *BotTokenFlow) SubmitPassword(ctx context.Context, password string) (AuthStep, error) {
	return AuthStep{}, channels.ErrInvalidInput("bot token sign-in does not prompt for a password", nil)
}
