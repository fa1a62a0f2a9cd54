package command

import (
	"strings"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const (
	TypePunchIn            = "kintai.command.punch.in"
	TypePunchOut           = "kintai.command.punch.out"
	TypeValidateCredential = "kintai.command.credential.validate"
	TypeResetCredential    = "kintai.command.credential.reset"
)

// PunchRequest says who punches and where the outcome goes. A slash command
// replies through ResponseURL; a mention replies in ChannelID under ThreadTS.
type PunchRequest struct {
	UserID      string `json:"user_id"`
	ResponseURL string `json:"response_url,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
}

func (r PunchRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	if strings.TrimSpace(r.ResponseURL) == "" && strings.TrimSpace(r.ChannelID) == "" {
		return commandValidationError("response_url", "response url or channel id is required")
	}
	return nil
}

type PunchInMessage struct {
	Request PunchRequest
}

func (PunchInMessage) Type() string { return TypePunchIn }

func (m PunchInMessage) Validate() error { return m.Request.validate() }

type PunchOutMessage struct {
	Request PunchRequest
}

func (PunchOutMessage) Type() string { return TypePunchOut }

func (m PunchOutMessage) Validate() error { return m.Request.validate() }

type ValidateCredentialMessage struct {
	UserID     string               `json:"user_id"`
	Credential core.PortalCredential `json:"credential"`
}

func (ValidateCredentialMessage) Type() string { return TypeValidateCredential }

func (m ValidateCredentialMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	return nil
}

type ResetCredentialMessage struct {
	UserID   string
	ViewID   string
	ViewHash string
}

func (ResetCredentialMessage) Type() string { return TypeResetCredential }

func (m ResetCredentialMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	return nil
}
