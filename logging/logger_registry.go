package logging

import (
	"regexp"
	"sort"
	"sync"
)

var globalLoggerRegistry = newRegistry()

// Registry tracks named loggers so that their levels can be driven by pattern configs.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

// registerAndConfigure stores `logger` under `name`, replacing any previous logger of that name,
// and applies the first matching pattern of the current config.
func (lr *Registry) registerAndConfigure(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
	if level, ok := levelForName(lr.logConfig, name); ok {
		logger.SetLevel(level)
	}
}

func (lr *Registry) deregisterLogger(name string) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	_, ok := lr.loggers[name]
	if ok {
		delete(lr.loggers, name)
	}
	return ok
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// UpdateConfig installs a new set of pattern configs. Every registered logger is set to the level
// of the last pattern matching its name, or INFO when none match. Invalid patterns are reported
// to `errorLogger` and skipped.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	valid := make([]LoggerPatternConfig, 0, len(logConfig))
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			errorLogger.Warnw("failed to validate a pattern", "pattern", lpc.Pattern)
			continue
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return err
		}
		valid = append(valid, lpc)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = valid
	for name, logger := range lr.loggers {
		level, ok := levelForName(valid, name)
		if !ok {
			level = INFO
		}
		logger.SetLevel(level)
	}
	return nil
}

func (lr *Registry) getRegisteredLoggerNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	registeredNames := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		registeredNames = append(registeredNames, name)
	}
	sort.Strings(registeredNames)
	return registeredNames
}

func (lr *Registry) getCurrentConfig() []LoggerPatternConfig {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.logConfig
}

// levelForName returns the level of the last pattern in `logConfig` matching `name`. Patterns are
// expected to be validated already.
func levelForName(logConfig []LoggerPatternConfig, name string) (Level, bool) {
	var (
		found bool
		level Level
	)
	for _, lpc := range logConfig {
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil || !r.MatchString(name) {
			continue
		}
		parsed, err := LevelFromString(lpc.Level)
		if err != nil {
			continue
		}
		level, found = parsed, true
	}
	return level, found
}

// DeregisterLogger removes a named logger from the global registry.
func DeregisterLogger(name string) bool {
	return globalLoggerRegistry.deregisterLogger(name)
}

// LoggerNamed returns the globally registered logger with the given name.
func LoggerNamed(name string) (Logger, bool) {
	return globalLoggerRegistry.loggerNamed(name)
}

// UpdateLoggerRegistryConfig applies pattern configs to all globally registered loggers.
func UpdateLoggerRegistryConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalLoggerRegistry.UpdateConfig(logConfig, errorLogger)
}

// GetRegisteredLoggerNames returns the sorted names of all globally registered loggers.
func GetRegisteredLoggerNames() []string {
	return globalLoggerRegistry.getRegisteredLoggerNames()
}

// GetCurrentConfig returns the pattern configs last applied to the global registry.
func GetCurrentConfig() []LoggerPatternConfig {
	return globalLoggerRegistry.getCurrentConfig()
}
