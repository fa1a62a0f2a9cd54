package command

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/k2tzumi/hue-kintai-slask-command/credentials"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
	"github.com/k2tzumi/hue-kintai-slask-command/works"
)

var (
	_ gocmd.Commander[PunchInMessage]            = (*PunchInCommand)(nil)
	_ gocmd.Commander[PunchOutMessage]           = (*PunchOutCommand)(nil)
	_ gocmd.Commander[ValidateCredentialMessage] = (*ValidateCredentialCommand)(nil)
	_ gocmd.Commander[ResetCredentialMessage]    = (*ResetCredentialCommand)(nil)

	_ CredentialStore = (*credentials.Store)(nil)
	_ Portal          = (*works.Client)(nil)
	_ Notifier        = (*slack.Client)(nil)
)
