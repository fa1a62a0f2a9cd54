package bot

import (
	"github.com/k2tzumi/hue-kintai-slask-command/command"
	"github.com/k2tzumi/hue-kintai-slask-command/credentials"
	"github.com/k2tzumi/hue-kintai-slask-command/jobqueue"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
)

var (
	_ Jobs        = (*jobqueue.Broker)(nil)
	_ Commands    = (*command.Bus)(nil)
	_ SlackAPI    = (*slack.Client)(nil)
	_ Credentials = (*credentials.Store)(nil)
)
