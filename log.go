package crawld

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitnodes/crawld/cache"
	"github.com/bitnodes/crawld/crawler"
	"github.com/bitnodes/crawld/prober"
	"github.com/bitnodes/crawld/ratelimit"
	"github.com/bitnodes/crawld/store"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter duplicates log output to stdout and, once the rotator has been
// initialized, to the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. File output
// only happens after initLogRotator has run; before that, everything goes
// to stdout.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// daemon shutdown.
	logRotator *rotator.Rotator

	crwdLog = backendLog.Logger("CRWD")
	probLog = backendLog.Logger(prober.Subsystem)
	crwlLog = backendLog.Logger(crawler.Subsystem)
	rlmtLog = backendLog.Logger(ratelimit.Subsystem)
	cachLog = backendLog.Logger(cache.Subsystem)
	storLog = backendLog.Logger(store.Subsystem)
)

// Initialize package-global logger variables.
func init() {
	prober.UseLogger(probLog)
	crawler.UseLogger(crwlLog)
	ratelimit.UseLogger(rlmtLog)
	cache.UseLogger(cachLog)
	store.UseLogger(storLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CRWD":              crwdLog,
	prober.Subsystem:    probLog,
	crawler.Subsystem:   crwlLog,
	ratelimit.Subsystem: rlmtLog,
	cache.Subsystem:     cachLog,
	store.Subsystem:     storLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// validLogLevel reports whether logLevel is one of the supported names.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}

// validateDebugLevels checks a debug level specification of the form
// <level> or <subsystem>=<level>,<subsystem2>=<level>,... without applying
// it.
func validateDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v]", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, ok := subsystemLoggers[subsysID]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}
	}

	return nil
}

// applyDebugLevels sets log levels from a previously validated debug level
// specification.
func applyDebugLevels(debugLevel string) {
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		setLogLevels(debugLevel)
		return
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			continue
		}
		setLogLevel(fields[0], fields[1])
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with
// the logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

var _ io.Writer = logWriter{}
