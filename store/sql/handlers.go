package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func userCredentialHandlers() repository.ModelHandlers[*userCredentialRecord] {
	return repository.ModelHandlers[*userCredentialRecord]{
		NewRecord: func() *userCredentialRecord {
			return &userCredentialRecord{}
		},
		GetID: func(record *userCredentialRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *userCredentialRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "user_id"
		},
		GetIdentifierValue: func(record *userCredentialRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.UserID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
