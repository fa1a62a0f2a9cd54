package bot

import (
	"context"
	"strings"

	"github.com/k2tzumi/hue-kintai-slask-command/command"
	"github.com/k2tzumi/hue-kintai-slask-command/inbound"
	"github.com/k2tzumi/hue-kintai-slask-command/jobqueue"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
)

const (
	textNoCredential    = "Not exists credential."
	textStartAccepted   = "おはようございます。出勤打刻します。"
	textEndAccepted     = "おつかれさまでした。退勤打刻します。"
	textQueueBusy       = "ただいま混み合っています。しばらくしてからやり直してください。"
	textValidating      = "少々お待ち下さい。\n認証結果はダイレクトメッセージで通知します。"
	textUnknownMention  = "なにか御用ですか？ :thinking_face:\nクレームなら作者に言ってくださいな :stuck_out_tongue:"
	textRequiredField   = "入力してください"
	textMentionNoConfig = textNoCredential + "\nSend message `" + Command + " config`"
)

var usageText = strings.Join([]string{
	"*Usage*",
	"* " + Command + " [s|start]",
	"* " + Command + " [e|end]",
	"* " + Command + " config",
	"* " + Command + " help",
	"* Send message `@huekintaibot おはよう`",
}, "\n")

var (
	startWords = []string{"おはよう", "始業", "開始", "hello", "Hello", "ハロー", "こんにちは", "出勤", "出社"}
	endWords   = []string{"おつかれ", "お疲", "終業", "終了", "終わり", "早退", "goodbye", "Goodbye", "グッバイ", "さようなら", "退勤"}
)

// HandleCommand answers /kintai. Users without a credential get the
// configure view instead.
func (a *App) HandleCommand(ctx context.Context, cmd inbound.SlashCommand) (any, error) {
	credential, found, err := a.credentials.Get(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if !found {
		a.openView(ctx, cmd.TriggerID, slack.ConfigureView(""), cmd.UserID)
		return ephemeral(textNoCredential), nil
	}

	switch strings.TrimSpace(cmd.Text) {
	case "s", "start":
		return a.enqueueCommandPunch(ctx, CallbackPunchIn, cmd, textStartAccepted)
	case "e", "end":
		return a.enqueueCommandPunch(ctx, CallbackPunchOut, cmd, textEndAccepted)
	case "config":
		a.openView(ctx, cmd.TriggerID, slack.ConfigureView(credential.UserID), cmd.UserID)
		return nil, nil
	default:
		return ephemeral(usageText), nil
	}
}

func (a *App) enqueueCommandPunch(ctx context.Context, callback string, cmd inbound.SlashCommand, accepted string) (any, error) {
	err := a.jobs.Enqueue(ctx, callback, command.PunchRequest{
		UserID:      cmd.UserID,
		ResponseURL: cmd.ResponseURL,
		ChannelID:   cmd.ChannelID,
	})
	if jobqueue.IsQueueBusy(err) {
		return ephemeral(textQueueBusy), nil
	}
	if err != nil {
		return nil, err
	}
	return slack.Message{
		ResponseType: slack.ResponseTypeInChannel,
		Text:         "<@" + cmd.UserID + ">\n" + accepted,
	}, nil
}

// HandleViewSubmission queues validation of a submitted credential and
// swaps the modal for a wait notice.
func (a *App) HandleViewSubmission(ctx context.Context, interaction inbound.Interaction) (any, error) {
	if interaction.View == nil || interaction.View.CallbackID != slack.CredentialCallbackID {
		return nil, nil
	}
	msg := command.ValidateCredentialMessage{
		UserID: interaction.User.ID,
	}
	msg.Credential.UserID = interaction.View.Value(slack.UserIDBlock, slack.UserIDBlock)
	msg.Credential.Password = interaction.View.Value(slack.PasswordBlock, slack.PasswordBlock)

	missing := map[string]string{}
	if msg.Credential.UserID == "" {
		missing[slack.UserIDBlock] = textRequiredField
	}
	if msg.Credential.Password == "" {
		missing[slack.PasswordBlock] = textRequiredField
	}
	if len(missing) > 0 {
		return slack.ErrorsResponse(missing), nil
	}

	err := a.jobs.Enqueue(ctx, CallbackValidateCredential, msg)
	if jobqueue.IsQueueBusy(err) {
		return slack.UpdateResponse(slack.CredentialModal(textQueueBusy)), nil
	}
	if err != nil {
		return nil, err
	}
	return slack.UpdateResponse(slack.CredentialModal(textValidating)), nil
}

// HandleBlockActions handles the reset button of the configure view.
func (a *App) HandleBlockActions(ctx context.Context, interaction inbound.Interaction) (any, error) {
	for _, action := range interaction.Actions {
		if action.ActionID != slack.ResetAction {
			continue
		}
		msg := command.ResetCredentialMessage{UserID: interaction.User.ID}
		if interaction.View != nil {
			msg.ViewID = interaction.View.ID
			msg.ViewHash = interaction.View.Hash
		}
		return nil, a.commands.Send(ctx, msg)
	}
	return nil, nil
}

// HandleAppMention punches on greeting words. The first line that matches
// wins and the reaction doubles as the acknowledgement.
func (a *App) HandleAppMention(ctx context.Context, envelope inbound.CallbackEvent) (any, error) {
	event := envelope.Event
	_, found, err := a.credentials.Get(ctx, event.User)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, a.slack.PostEphemeral(ctx, event.Channel, event.User, textMentionNoConfig)
	}

	for _, line := range strings.Split(event.Text, "\n") {
		switch {
		case containsAny(line, startWords):
			return nil, a.reactAndEnqueue(ctx, event, a.startReaction, CallbackPunchIn)
		case containsAny(line, endWords):
			return nil, a.reactAndEnqueue(ctx, event, a.endReaction, CallbackPunchOut)
		}
	}
	return nil, a.slack.PostMessage(ctx, event.Channel, textUnknownMention, "")
}

func (a *App) reactAndEnqueue(ctx context.Context, event inbound.Event, reaction, callback string) error {
	added, err := a.slack.AddReaction(ctx, event.Channel, event.TS, reaction)
	if err != nil {
		return err
	}
	if !added {
		// Already reacted means this mention was punched before.
		return nil
	}
	err = a.jobs.Enqueue(ctx, callback, command.PunchRequest{
		UserID:    event.User,
		ChannelID: event.Channel,
		ThreadTS:  event.TS,
	})
	if jobqueue.IsQueueBusy(err) {
		return a.slack.PostEphemeral(ctx, event.Channel, event.User, textQueueBusy)
	}
	return err
}

func (a *App) openView(ctx context.Context, triggerID string, view slack.View, userID string) {
	if err := a.slack.OpenView(ctx, triggerID, view); err != nil {
		a.logger.Warn("bot: open configure view failed", "user_id", userID, "error", err)
	}
}

func ephemeral(text string) slack.Message {
	return slack.Message{ResponseType: slack.ResponseTypeEphemeral, Text: text}
}

func containsAny(line string, words []string) bool {
	for _, word := range words {
		if strings.Contains(line, word) {
			return true
		}
	}
	return false
}
