package sqlstore

import "github.com/k2tzumi/hue-kintai-slask-command/core"

var (
	_ core.AtomicRecordStore = (*RecordStore)(nil)
	_ core.KeyLister         = (*RecordStore)(nil)
	_ core.CredentialStore   = (*CredentialStore)(nil)
)
