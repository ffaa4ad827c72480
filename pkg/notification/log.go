package notification

import (
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/logger"
)

// Log writes every record and error to a logger
type Log struct {
	log logger.Logger
}

func NewLog(log logger.Logger) Log {
	return Log{log: log}
}

func (l Log) OnRecord(record core.Record) {
	l.log.WithFields(map[string]any{
		"id":      record.ID,
		"kind":    record.Kind,
		"account": record.Account,
		"asset":   record.Asset,
	}).Info(record.String())
}

func (l Log) OnError(err error) {
	l.log.WithError(err).Error("ledger operation failed")
}
