package zerolog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

type Logger struct {
	*zerolog.Logger
}

// New builds a process logger writing to stdout. With jsonFormat the output is
// one JSON object per line, otherwise a padded console layout.
func New(level, dateTimeLayout string, colored, jsonFormat bool) (*Logger, error) {
	return NewWithWriter(os.Stdout, level, dateTimeLayout, colored, jsonFormat)
}

func NewWithWriter(out io.Writer, level, dateTimeLayout string, colored, jsonFormat bool) (*Logger, error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logMode, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zerolog.SetGlobalLevel(logMode)

	if jsonFormat {
		logger := zerolog.New(out).With().Timestamp().Logger()
		return &Logger{&logger}, nil
	}

	output := zerolog.ConsoleWriter{
		Out:             out,
		NoColor:         !colored,
		TimeFormat:      dateTimeLayout,
		FormatLevel:     formatLevel,
		FormatMessage:   formatMessage,
		FormatCaller:    formatCaller,
		FormatTimestamp: func(i interface{}) string { return formatTimestamp(i, dateTimeLayout) },
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()

	return &Logger{&logger}, nil
}

func formatLevel(i interface{}) string {
	levelStr, ok := i.(string)
	if !ok {
		return "UNKNOWN"
	}

	switch levelStr {
	case zerolog.LevelTraceValue:
		return paint(term.Cyanf("[TRC]"))
	case zerolog.LevelDebugValue:
		return paint(term.Cyanf("[DBG]"))
	case zerolog.LevelInfoValue:
		return paint(term.Greenf("[INF]"))
	case zerolog.LevelWarnValue:
		return paint(term.Yellowf("[WAR]"))
	case zerolog.LevelFatalValue:
		return paint(term.Redf("[FTL]"))
	case zerolog.LevelErrorValue:
		return paint(term.Redf("[ERR]"))
	default:
		return paint(term.Whitef("[UNK]"))
	}
}

func formatMessage(i interface{}) string {
	const maxSize = 80

	msg, ok := i.(string)
	if !ok || len(msg) == 0 {
		return ">"
	}

	if len(msg) > maxSize {
		msg = msg[:maxSize]
	} else {
		msg += strings.Repeat(" ", maxSize-len(msg))
	}

	return paint(term.Whitef("> %s", msg))
}

func formatCaller(i interface{}) string {
	const (
		maxFileSize = 18
		maxLineSize = 4
	)

	fname, ok := i.(string)
	if !ok || len(fname) == 0 {
		return ""
	}

	caller := filepath.Base(fname)
	file, line, found := strings.Cut(caller, ":")
	if !found {
		return caller
	}

	if len(file) > maxFileSize {
		file = file[:maxFileSize]
	}
	if len(line) > maxLineSize {
		line = line[len(line)-maxLineSize:]
	}

	return paint(term.Yellowf("[%s]", fmt.Sprintf("%-*s:%*s", maxFileSize, file, maxLineSize, line)))
}

func formatTimestamp(i interface{}, timeLayout string) string {
	strTime, ok := i.(string)
	if !ok {
		return paint(term.Cyanf("[%v]", i))
	}

	if ts, err := time.ParseInLocation(time.RFC3339, strTime, time.Local); err == nil {
		strTime = ts.In(time.Local).Format(timeLayout)
	}

	return paint(term.Cyanf("[%s]", strTime))
}

func paint(v any) string {
	return fmt.Sprint(v)
}
