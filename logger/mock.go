package logger

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// Entry is one message seen by a MockLogger.
type Entry struct {
	Level LogLevel
	Msg   string
	// KeysAndValues holds the call's pairs without the fields added by With.
	KeysAndValues []any
}

// MockLogger is a testify mock implementing Logger. Besides the mock
// expectations it keeps every logged entry, including those of loggers
// derived with With, for tests that run the logger from other goroutines.
type MockLogger struct {
	mock.Mock

	mu      sync.Mutex
	entries []Entry
}

var _ Logger = (*MockLogger)(nil)

// NewMockLogger returns a mock with no expectations; see AllowAll.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// AllowAll accepts any call, so a test only needs expectations for what it
// asserts on.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Return().Maybe()
	}
	m.On("With", mock.Anything).Return(m).Maybe()
	m.On("SetLevel", mock.Anything).Return().Maybe()
	m.On("Level").Return(DebugLevel).Maybe()

	return m
}

// Entries returns the entries logged so far.
func (m *MockLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Entry(nil), m.entries...)
}

// Logged reports whether msg was logged at level.
func (m *MockLogger) Logged(level LogLevel, msg string) bool {
	for _, e := range m.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}

	return false
}

func (m *MockLogger) record(level LogLevel, method, msg string, kv []any) {
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Level: level, Msg: msg, KeysAndValues: kv})
	m.mu.Unlock()

	m.MethodCalled(method, msg, kv)
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record(DebugLevel, "Debug", msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record(InfoLevel, "Info", msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record(WarnLevel, "Warn", msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record(ErrorLevel, "Error", msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record(FatalLevel, "Fatal", msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	m.Called(level)
}

func (m *MockLogger) Level() LogLevel {
	args := m.Called()
	return args.Get(0).(LogLevel)
}

func (m *MockLogger) With(keyValues ...any) Logger {
	args := m.Called(keyValues)
	return args.Get(0).(Logger)
}
