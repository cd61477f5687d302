package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"

	"github.com/op/go-logging"
)

const format = "[%{level}] %{message}"

/*
New returns a logger for human-readable messages written to w. Each logger
gets its own backend, so the handler, the provisioner and tests never share
global go-logging state. Lambda stamps every line it captures, so the backend
adds no timestamp of its own unless withTime is set.
*/
func New(module, level string, w io.Writer, withTime bool) (*logging.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	flags := 0
	if withTime {
		flags = stdlog.LstdFlags | stdlog.LUTC
	}
	backend := logging.NewLogBackend(w, "", flags)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, module)

	log := logging.MustGetLogger(module)
	log.SetBackend(leveled)
	return log, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logging.Logger {
	log, _ := New("discard", "CRITICAL", io.Discard, false)
	return log
}

// ParseLevel accepts the go-logging level names in any case. An empty
// string means INFO.
func ParseLevel(level string) (logging.Level, error) {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		return logging.INFO, nil
	}
	if level == "WARN" {
		level = "WARNING"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return logging.INFO, fmt.Errorf("log level %q: %w", level, err)
	}
	return lvl, nil
}
