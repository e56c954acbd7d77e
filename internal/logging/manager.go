package logging

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Levels пороги консоли и файла для одного компонента
type Levels struct {
	Console LogLevel
	File    LogLevel
}

// ParseLevels разбирает пару уровней из конфигурации.
// Пустое значение берётся из fallback.
func ParseLevels(console, file string, fallback Levels) Levels {
	out := fallback
	if console != "" {
		out.Console = ParseLevel(console)
	}
	if file != "" {
		out.File = ParseLevel(file)
	}
	return out
}

// LoggerManager раздаёт логгеры компонентов (engine, storage, api, auth)
// и держит их пороги: общие по умолчанию и переопределения по компоненту.
type LoggerManager struct {
	mu        sync.Mutex
	loggers   map[string]*Logger
	defaults  *Levels
	overrides map[string]Levels
	// open создаёт логгер с файлом; в тестах подменяется
	open func(component string) (*Logger, error)
}

// NewLoggerManager создаёт пустой менеджер
func NewLoggerManager() *LoggerManager {
	return &LoggerManager{
		loggers:   make(map[string]*Logger),
		overrides: make(map[string]Levels),
		open:      NewLogger,
	}
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

// GetLoggerManager возвращает глобальный менеджер
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() {
		globalManager = NewLoggerManager()
	})
	return globalManager
}

// Configure задаёт пороги и сразу применяет их к уже созданным логгерам.
// Компоненты без переопределения получают defaults.
func (lm *LoggerManager) Configure(defaults Levels, overrides map[string]Levels) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.defaults = &defaults
	lm.overrides = make(map[string]Levels, len(overrides))
	for component, lv := range overrides {
		lm.overrides[component] = lv
	}
	for component, logger := range lm.loggers {
		lm.apply(component, logger)
	}
}

// apply выставляет логгеру его пороги; вызывается под lm.mu
func (lm *LoggerManager) apply(component string, logger *Logger) {
	if lv, ok := lm.overrides[component]; ok {
		logger.SetLevels(lv.Console, lv.File)
		return
	}
	if lm.defaults != nil {
		logger.SetLevels(lm.defaults.Console, lm.defaults.File)
	}
}

// Logger возвращает логгер компонента. Если файл не открылся,
// компонент пишет только в консоль.
func (lm *LoggerManager) Logger(component string) *Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if logger, ok := lm.loggers[component]; ok {
		return logger
	}
	logger, err := lm.open(component)
	if err != nil {
		logger = NewConsoleLogger(component, os.Stdout)
		logger.Warn("⚠️ Файл логов недоступен, только консоль: %v", err)
	}
	lm.apply(component, logger)
	lm.loggers[component] = logger
	return logger
}

// Components отсортированный список созданных логгеров
func (lm *LoggerManager) Components() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]string, 0, len(lm.loggers))
	for component := range lm.loggers {
		out = append(out, component)
	}
	sort.Strings(out)
	return out
}

// CloseAll закрывает файлы всех логгеров и забывает их
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for component, logger := range lm.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logger %s: %w", component, err))
		}
	}
	lm.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

// ConfigureComponents настраивает глобальный менеджер
func ConfigureComponents(defaults Levels, overrides map[string]Levels) {
	GetLoggerManager().Configure(defaults, overrides)
}

// CloseComponentLoggers закрывает логгеры глобального менеджера
func CloseComponentLoggers() error {
	return GetLoggerManager().CloseAll()
}

func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().Logger(component)
}

func GetEngineLogger() *Logger  { return GetComponentLogger("engine") }
func GetStorageLogger() *Logger { return GetComponentLogger("storage") }
func GetAPILogger() *Logger     { return GetComponentLogger("api") }
