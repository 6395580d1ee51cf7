package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologAdapter implements Logger on top of zerolog.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerolog writes JSON lines to writer at or above level.
func NewZerolog(writer io.Writer, level zerolog.Level) *ZerologAdapter {
	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &ZerologAdapter{logger: logger}
}

// NewConsoleLogger writes human-readable lines to stderr.
func NewConsoleLogger(level zerolog.Level) *ZerologAdapter {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return NewZerolog(consoleWriter, level)
}

// ParseLevel maps a configuration string to a zerolog level. The empty
// string means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

func withFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

func (z *ZerologAdapter) Info(component, message string, fields map[string]interface{}) {
	if e := z.logger.Info(); e.Enabled() {
		withFields(e.Str("component", component), fields).Msg(message)
	}
}

func (z *ZerologAdapter) Warning(component, message string, fields map[string]interface{}) {
	if e := z.logger.Warn(); e.Enabled() {
		withFields(e.Str("component", component), fields).Msg(message)
	}
}

func (z *ZerologAdapter) Debug(component, message string, fields map[string]interface{}) {
	if e := z.logger.Debug(); e.Enabled() {
		withFields(e.Str("component", component), fields).Msg(message)
	}
}

func (z *ZerologAdapter) Error(component string, err error, fields map[string]interface{}) {
	if e := z.logger.Error(); e.Enabled() {
		withFields(e.Str("component", component).Err(err), fields).Msg("operation failed")
	}
}
