package storagecore

import (
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// auditLog is the structured event sink for lifecycle and fault-guard
// events. It never carries secret material: PINs, keys, and decrypted
// values are never passed to it.
type auditLog struct {
	logger zerolog.Logger
}

func newAuditLog(w io.Writer) *auditLog {
	return &auditLog{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (a *auditLog) event(level zerolog.Level, msg string) *zerolog.Event {
	return a.logger.WithLevel(level).Str("event_id", uuid.NewString())
}

func (a *auditLog) unlocked() {
	a.event(zerolog.InfoLevel, "unlock").Msg("storage unlocked")
}

func (a *auditLog) pinFailed(remaining uint32) {
	a.event(zerolog.WarnLevel, "pin-fail").Uint32("tries_remaining", remaining).Msg("PIN attempt rejected")
}

func (a *auditLog) wiped(reason string) {
	a.event(zerolog.ErrorLevel, "wipe").Str("reason", reason).Msg("storage wiped")
}

func (a *auditLog) fault(reason string) {
	a.event(zerolog.ErrorLevel, "fault").Str("reason", reason).Msg("fault guard tripped")
}

func (a *auditLog) upgraded(from, to uint32) {
	a.event(zerolog.InfoLevel, "upgrade").Uint32("from_version", from).Uint32("to_version", to).Msg("storage layout upgraded")
}
