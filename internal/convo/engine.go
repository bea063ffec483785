// Package convo maps inbound chat messages onto ledger operations and
// renders the replies. No business logic beyond command parsing lives
// here; the repository and settlement engine own the deposit lifecycle.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pikopay/internal/metrics"
	"pikopay/internal/repo"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Sender delivers outbound chat messages.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// EngineConfig holds the values rendered into deposit instructions.
type EngineConfig struct {
	// DepositAddress is the treasury account users send funds to.
	DepositAddress string
	// FlatFee is the fixed per-transfer deduction, shown to the user.
	FlatFee int64
}

// Engine processes chat commands.
type Engine struct {
	repository repo.Repository
	sender     Sender
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        EngineConfig
}

// New creates a conversation engine.
func New(repository repo.Repository, sender Sender, m *metrics.Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	return &Engine{
		repository: repository,
		sender:     sender,
		metrics:    m,
		logger:     logger.With("component", "convo"),
		cfg:        cfg,
	}
}

// ProcessMessage implements wa.MessageProcessor.
func (e *Engine) ProcessMessage(ctx context.Context, evt *events.Message) {
	text := extractText(evt)
	if text == "" {
		return
	}

	chat := evt.Info.Chat
	ownerRef := evt.Info.Sender.ToNonAD().String()

	var reply string
	cmd := parseCommand(text)
	switch cmd.kind {
	case cmdDeposit:
		reply = e.handleDeposit(ctx, ownerRef, cmd.arg)
	case cmdStatus:
		reply = e.handleStatus(ctx, ownerRef)
	default:
		reply = welcomeMessage(e.cfg.FlatFee)
	}

	if err := e.sender.SendText(ctx, chat, reply); err != nil {
		e.logger.Error("failed sending reply", "to", chat.String(), "error", err)
		e.metrics.Errors.WithLabelValues("convo").Inc()
	}
}

func (e *Engine) handleDeposit(ctx context.Context, ownerRef, recipientAddress string) string {
	if recipientAddress == "" {
		return "Usage: deposit <recipient address>"
	}

	dep, err := e.repository.CreateDeposit(ctx, ownerRef, recipientAddress)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidAddress) {
			return fmt.Sprintf("%q is not a valid address. Double-check it and try again.", recipientAddress)
		}
		e.logger.Error("failed creating deposit", "owner", ownerRef, "error", err)
		e.metrics.Errors.WithLabelValues("convo").Inc()
		return "Something went wrong creating your deposit. Please try again later."
	}

	e.metrics.DepositsCreated.Inc()
	e.logger.Info("deposit created", "owner", ownerRef, "deposit_id", dep.ID)
	return depositInstructions(dep, e.cfg.DepositAddress, e.cfg.FlatFee)
}

func (e *Engine) handleStatus(ctx context.Context, ownerRef string) string {
	deposits, err := e.repository.ListRecentByOwner(ctx, ownerRef, 5)
	if err != nil {
		e.logger.Error("failed listing deposits", "owner", ownerRef, "error", err)
		e.metrics.Errors.WithLabelValues("convo").Inc()
		return "Something went wrong fetching your deposits. Please try again later."
	}
	return formatHistory(deposits)
}

// NotifyDepositFailed implements settle.Notifier: the owner reference is
// the sender JID recorded at creation time.
func (e *Engine) NotifyDepositFailed(ctx context.Context, ownerRef, memo, reason string) {
	jid, err := types.ParseJID(ownerRef)
	if err != nil {
		e.logger.Warn("cannot notify owner, bad jid", "owner", ownerRef, "error", err)
		return
	}
	text := failureMessage(memo, reason)
	if err := e.sender.SendText(ctx, jid, text); err != nil {
		e.logger.Error("failed sending failure notification", "owner", ownerRef, "error", err)
		e.metrics.Errors.WithLabelValues("convo").Inc()
	}
}

type commandKind int

const (
	cmdHelp commandKind = iota
	cmdDeposit
	cmdStatus
)

type command struct {
	kind commandKind
	arg  string
}

func parseCommand(text string) command {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return command{kind: cmdHelp}
	}
	switch strings.ToLower(fields[0]) {
	case "deposit", "setor":
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		return command{kind: cmdDeposit, arg: arg}
	case "status", "deposits":
		return command{kind: cmdStatus}
	default:
		return command{kind: cmdHelp}
	}
}

func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}
	if conv := msg.GetConversation(); conv != "" {
		return conv
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func welcomeMessage(flatFee int64) string {
	var b strings.Builder
	b.WriteString("Hi! I'm PikoPay.\n\n")
	b.WriteString("Commands:\n")
	b.WriteString("- deposit <recipient address>: start a deposit. You'll get a memo to attach to your transfer.\n")
	b.WriteString("- status: show your recent deposits.\n\n")
	b.WriteString(fmt.Sprintf("A flat fee of %d lamports is deducted from each payout.", flatFee))
	return b.String()
}

func depositInstructions(dep *repo.Deposit, depositAddress string, flatFee int64) string {
	var b strings.Builder
	b.WriteString("Deposit created.\n\n")
	b.WriteString(fmt.Sprintf("Send funds to:\n%s\n\n", depositAddress))
	b.WriteString(fmt.Sprintf("Attach exactly this memo:\n%s\n\n", dep.Memo))
	b.WriteString(fmt.Sprintf("Payouts to %s run in batches; a flat fee of %d lamports is deducted.\n", dep.RecipientAddress, flatFee))
	b.WriteString(fmt.Sprintf("Reference id: %s", dep.ID))
	return b.String()
}

func formatHistory(deposits []repo.Deposit) string {
	if len(deposits) == 0 {
		return "No deposits yet. Send `deposit <recipient address>` to start one."
	}
	var b strings.Builder
	b.WriteString("Your recent deposits:\n")
	for _, dep := range deposits {
		b.WriteString(fmt.Sprintf("- %s → %s [%s]", dep.Memo, dep.RecipientAddress, strings.ToUpper(dep.Status)))
		if dep.Status == repo.StatusFailed && dep.FailureReason != nil {
			b.WriteString(fmt.Sprintf(" (%s)", *dep.FailureReason))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func failureMessage(memo, reason string) string {
	switch reason {
	case repo.FailureInsufficientAmount:
		return fmt.Sprintf("Your deposit %s could not be paid out: the amount does not cover the flat fee. It has been marked failed.", memo)
	case repo.FailureRetryCeiling:
		return fmt.Sprintf("Your deposit %s could not be settled after repeated attempts and has been marked failed. Please contact support.", memo)
	default:
		return fmt.Sprintf("Your deposit %s has been marked failed (%s).", memo, reason)
	}
}
