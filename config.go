package ndp6proxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Config holds the parsed CLI flags from spec.md §6.
type Config struct {
	Interfaces     []string
	LogLevel       logrus.Level
	CheckInterval  time.Duration
	ProbeInterval  time.Duration
	ProbeRetries   int
	RoutesSaveFile string
}

// logLevels maps spec.md's five-level ramp onto logrus levels. "verbose" has
// no logrus equivalent, so it sits one notch below "debug" (DebugLevel),
// with "debug" itself promoted to TraceLevel, matching the five-level ramp
// in original_source's Logger.h.
var logLevels = map[string]logrus.Level{
	"error":   logrus.ErrorLevel,
	"warning": logrus.WarnLevel,
	"info":    logrus.InfoLevel,
	"verbose": logrus.DebugLevel,
	"debug":   logrus.TraceLevel,
}

// ParseConfig parses args (excluding argv[0]) into a Config, per spec.md §6.
// Any parse failure, including an unrecognized --log-level value or a
// missing required --interfaces, returns ErrUsage.
func ParseConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ndp6proxy", flag.ContinueOnError)

	ifacesCSV := fs.StringP("interfaces", "i", "", "comma-separated interfaces to proxy among")
	logLevel := fs.StringP("log-level", "l", "info", "error|warning|info|verbose|debug")
	alarmInterval := fs.IntP("alarm-interval", "a", 10, "tick period for route expiry scan, in seconds")
	probeInterval := fs.IntP("probe-interval", "p", 60, "age above which a route is re-probed, in seconds")
	probeRetries := fs.IntP("probe-retries", "r", 5, "consecutive failed probes before deletion")
	saveFile := fs.StringP("routes-save-file", "f", "", "persist known routes here across restarts; empty disables")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if *ifacesCSV == "" {
		return nil, fmt.Errorf("%w: --interfaces is required", ErrUsage)
	}
	ifaces := splitAndTrim(*ifacesCSV)
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("%w: --interfaces must name at least one interface", ErrUsage)
	}

	level, ok := logLevels[strings.ToLower(*logLevel)]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized --log-level %q", ErrUsage, *logLevel)
	}

	if *alarmInterval <= 0 {
		return nil, fmt.Errorf("%w: --alarm-interval must be positive", ErrUsage)
	}
	if *probeInterval <= 0 {
		return nil, fmt.Errorf("%w: --probe-interval must be positive", ErrUsage)
	}
	if *probeRetries < 0 {
		return nil, fmt.Errorf("%w: --probe-retries must not be negative", ErrUsage)
	}

	return &Config{
		Interfaces:     ifaces,
		LogLevel:       level,
		CheckInterval:  time.Duration(*alarmInterval) * time.Second,
		ProbeInterval:  time.Duration(*probeInterval) * time.Second,
		ProbeRetries:   *probeRetries,
		RoutesSaveFile: *saveFile,
	}, nil
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
