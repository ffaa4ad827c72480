package notification

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	log "github.com/sirupsen/logrus"
	tb "gopkg.in/tucnak/telebot.v2"
)

var balanceRegexp = regexp.MustCompile(`/balance\s+(?P<account>\S+)`)

// TelegramSettings holds the bot token and the users allowed to talk to it
type TelegramSettings struct {
	Token string
	Users []int
}

// Telegram pushes ledger records to authorized users and answers queries
type Telegram struct {
	settings    TelegramSettings
	ledger      LedgerReader
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
}

// TelegramOption is a function that configures a Telegram instance
type TelegramOption func(telegram *Telegram)

// NewTelegram creates and initializes a new Telegram service
func NewTelegram(ledger LedgerReader, settings TelegramSettings, options ...TelegramOption) (*Telegram, error) {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: 10 * time.Second}

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Token,
		Poller:    createAuthMiddleware(poller, settings),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	bot := &Telegram{
		settings:    settings,
		ledger:      ledger,
		defaultMenu: menu,
		client:      client,
	}

	for _, option := range options {
		option(bot)
	}

	client.Handle("/help", bot.HelpHandle)
	client.Handle("/status", bot.StatusHandle)
	client.Handle("/balance", bot.BalanceHandle)

	return bot, nil
}

// createAuthMiddleware drops updates from users not listed in the settings
func createAuthMiddleware(poller *tb.LongPoller, settings TelegramSettings) *tb.MiddlewarePoller {
	return tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("message or sender is nil ", u)
			return false
		}

		if slices.Contains(settings.Users, int(u.Message.Sender.ID)) {
			return true
		}

		log.Error("unauthorized user ", u.Message.Sender.ID)
		return false
	})
}

func setupKeyboard(menu *tb.ReplyMarkup) {
	menu.Reply(
		menu.Row(menu.Text("/status"), menu.Text("/balance"), menu.Text("/help")),
	)
}

func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/status", Description: "Total deposited, cap and utilization"},
		{Text: "/balance", Description: "Balance of an account"},
	})
}

// Start begins polling and greets all authorized users
func (t *Telegram) Start() {
	go t.client.Start()
	t.sendMessageWithOptions("Vault notifications enabled.", t.defaultMenu)
}

// Stop ends polling
func (t *Telegram) Stop() {
	t.client.Stop()
}

// Notify sends a message to all authorized users
func (t *Telegram) Notify(text string) {
	t.sendMessageWithOptions(text)
}

func (t *Telegram) sendMessageWithOptions(text string, options ...interface{}) {
	for _, user := range t.settings.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text, options...)
		if err != nil {
			log.WithError(err).Error("failed to send notification")
		}
	}
}

func (t *Telegram) sendMessage(to *tb.User, text string, options ...interface{}) {
	_, err := t.client.Send(to, text, options...)
	if err != nil {
		log.WithError(err).Error("failed to send message")
	}
}

// HelpHandle displays available commands
func (t *Telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		log.WithError(err).Error("failed to get commands")
		return
	}

	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", command.Text, command.Description))
	}
	t.sendMessage(m.Sender, strings.Join(lines, "\n"))
}

// StatusHandle reports the aggregate total against the cap
func (t *Telegram) StatusHandle(m *tb.Message) {
	t.sendMessage(m.Sender, formatStatus(t.ledger))
}

// BalanceHandle reports the balance of the requested account
func (t *Telegram) BalanceHandle(m *tb.Message) {
	account, ok := parseBalanceCommand(m.Text)
	if !ok {
		t.sendMessage(m.Sender, "Invalid command.\nExample of usage:\n`/balance alice`")
		return
	}
	t.sendMessage(m.Sender, formatBalance(t.ledger, account))
}

// OnRecord implements core.Notifier
func (t *Telegram) OnRecord(record core.Record) {
	t.Notify(formatRecord(t.ledger.Settlement(), record))
}

// OnError implements core.Notifier
func (t *Telegram) OnError(err error) {
	t.Notify(describeError(err))
}

func parseBalanceCommand(text string) (core.AccountID, bool) {
	match := balanceRegexp.FindStringSubmatch(text)
	if len(match) == 0 {
		return "", false
	}
	return core.AccountID(match[balanceRegexp.SubexpIndex("account")]), true
}

func formatStatus(ledger LedgerReader) string {
	settlement := ledger.Settlement()
	total, capacity := ledger.TotalDeposited(), ledger.CapacityCap()

	return fmt.Sprintf("*STATUS*\nTotal: `%s`\nCap: `%s`\nUtilization: `%s`",
		settlement.Format(total), settlement.Format(capacity), utilization(total, capacity))
}

func formatBalance(ledger LedgerReader, account core.AccountID) string {
	return fmt.Sprintf("*BALANCE*\n%s: `%s`", account, ledger.Settlement().Format(ledger.BalanceOf(account)))
}

func formatRecord(settlement core.Asset, record core.Record) string {
	var sb strings.Builder
	sb.WriteString(title(record))
	sb.WriteString("\n-----\n")

	switch record.Kind {
	case core.RecordKindDeposit, core.RecordKindWithdraw:
		fmt.Fprintf(&sb, "Account: %s\n", record.Account)
		fmt.Fprintf(&sb, "Value: %s\n", settlement.Format(record.Value))
	default:
		fmt.Fprintf(&sb, "By: %s\n", record.Account)
	}
	fmt.Fprintf(&sb, "Total: %s\n", settlement.Format(record.Total))
	fmt.Fprintf(&sb, "Cap: %s", settlement.Format(record.Cap))
	return sb.String()
}
