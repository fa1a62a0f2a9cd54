package slack

import (
	slackapi "github.com/slack-go/slack"
)

const (
	CredentialCallbackID = "save-credential"
	UserIDBlock          = "userID"
	PasswordBlock        = "password"
	ResetBlock           = "reset"
	ResetAction          = "reset"
)

const (
	credentialTitle = "Setting Credential"
	inputMaxLength  = 20
)

// View is a modal payload for views.open and views.update.
type View = slackapi.ModalViewRequest

// ViewSubmissionUpdate is a view_submission reply.
type ViewSubmissionUpdate = slackapi.ViewSubmissionResponse

// UpdateResponse swaps the submitted modal for view.
func UpdateResponse(view View) *ViewSubmissionUpdate {
	return slackapi.NewUpdateViewSubmissionResponse(&view)
}

// ErrorsResponse keeps the modal open with a message under each block.
func ErrorsResponse(errs map[string]string) *ViewSubmissionUpdate {
	return slackapi.NewErrorsViewSubmissionResponse(errs)
}

// ConfigureView asks for the HR portal login. A known userID prefills the
// form and adds a reset button.
func ConfigureView(userID string) View {
	blocks := []slackapi.Block{
		inputBlock(UserIDBlock, "ユーザID", "100010", "ユーザIDを入力してください", userID),
		inputBlock(PasswordBlock, "パスワード", "*****", "パスワードを入力してください", ""),
	}
	submit := "Save"
	if userID != "" {
		submit = "Update"
		blocks = append([]slackapi.Block{resetBlock()}, blocks...)
	}
	return View{
		Type:       slackapi.VTModal,
		CallbackID: CredentialCallbackID,
		Title:      plain(credentialTitle),
		Submit:     plain(submit),
		Blocks:     slackapi.Blocks{BlockSet: blocks},
	}
}

// CredentialModal is a read-only modal with a single message.
func CredentialModal(message string) View {
	return View{
		Type:  slackapi.VTModal,
		Title: plain(credentialTitle),
		Blocks: slackapi.Blocks{BlockSet: []slackapi.Block{
			slackapi.NewSectionBlock(plain(message), nil, nil),
		}},
	}
}

func plain(text string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.PlainTextType, text, false, false)
}

func inputBlock(id, label, placeholder, hint, initial string) *slackapi.InputBlock {
	element := slackapi.NewPlainTextInputBlockElement(plain(placeholder), id)
	element.MaxLength = inputMaxLength
	element.InitialValue = initial
	return slackapi.NewInputBlock(id, plain(label), plain(hint), element)
}

func resetBlock() *slackapi.SectionBlock {
	button := slackapi.NewButtonBlockElement(ResetAction, "reset", plain("Reset"))
	button.Style = slackapi.StyleDanger
	button.Confirm = slackapi.NewConfirmationBlockObject(
		plain("ユーザーIDとパスワードをリセットしても良いですか？"),
		plain("リセットすると勤怠登録ができなくなります"),
		plain("リセット"),
		plain("やめる"),
	)
	return slackapi.NewSectionBlock(
		plain("パスワードを更新します。\n削除する場合はResetを押してください。"),
		nil,
		slackapi.NewAccessory(button),
		slackapi.SectionBlockOptionBlockID(ResetBlock),
	)
}
