package oauth

import "github.com/k2tzumi/hue-kintai-slask-command/slack"

var _ slack.TokenSource = (*Installer)(nil)
