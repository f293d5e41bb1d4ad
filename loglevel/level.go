// Package loglevel filters go-kit loggers by a level name.
package loglevel

import (
	"fmt"
	"strings"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Option returns the filter option for "DEBUG|INFO|WARN|ERROR".
func Option(ls string) (level.Option, error) {
	switch strings.ToLower(ls) {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error", "err":
		return level.AllowError(), nil
	case "all", "":
		return level.AllowAll(), nil
	}
	return nil, fmt.Errorf("unknown log level %q", ls)
}

// NewLevelFilterFromString filter the log level using the string "DEBUG|INFO|WARN|ERROR"
// an unknown level lets everything through
func NewLevelFilterFromString(next log.Logger, ls string) log.Logger {
	opt, err := Option(ls)
	if err != nil {
		opt = level.AllowAll()
	}
	return level.NewFilter(next, opt)
}
