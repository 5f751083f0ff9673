package logging

import (
	"context"
	"fmt"
)

// CronLogger adapts StructuredLogger to the logger interface expected by robfig/cron.
type CronLogger struct {
	logger *StructuredLogger
}

// NewCronLogger wraps logger for use with cron.WithLogger and the cron job wrappers.
func NewCronLogger(logger *StructuredLogger) *CronLogger {
	return &CronLogger{logger: logger}
}

// Info logs routine scheduler messages at debug level; they fire every minute otherwise.
func (c *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(context.Background(), "[CRON] "+msg, keyValueFields(keysAndValues))
}

// Error logs scheduler failures, including recovered job panics.
func (c *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(context.Background(), "[CRON_ERROR] "+msg, keyValueFields(keysAndValues), err)
}

func keyValueFields(keysAndValues []interface{}) Fields {
	fields := make(Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}
