package mocks

import (
	"fmt"
	"strings"
	"sync"
)

// MockLogger implements a mock Logger for testing
type MockLogger struct {
	mu       sync.Mutex
	messages []LogMessage
}

type LogMessage struct {
	Level   string
	Message string
	Fields  []interface{}
}

func NewMockLogger() *MockLogger {
	return &MockLogger{
		messages: make([]LogMessage, 0),
	}
}

func (m *MockLogger) Debug(msg string, fields ...interface{}) {
	m.log("DEBUG", msg, fields...)
}

func (m *MockLogger) Info(msg string, fields ...interface{}) {
	m.log("INFO", msg, fields...)
}

func (m *MockLogger) Warn(msg string, fields ...interface{}) {
	m.log("WARN", msg, fields...)
}

func (m *MockLogger) Error(msg string, fields ...interface{}) {
	m.log("ERROR", msg, fields...)
}

func (m *MockLogger) log(level, msg string, fields ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// Messages returns all logged messages
func (m *MockLogger) Messages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogMessage{}, m.messages...)
}

// MessagesByLevel returns messages for a specific log level
func (m *MockLogger) MessagesByLevel(level string) []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []LogMessage
	for _, msg := range m.messages {
		if msg.Level == level {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// HasMessage checks if a specific message was logged
func (m *MockLogger) HasMessage(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Reset clears all logged messages
func (m *MockLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make([]LogMessage, 0)
}

// String returns a string representation of all messages
func (m *MockLogger) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for _, msg := range m.messages {
		b.WriteString(fmt.Sprintf("[%s] %s", msg.Level, msg.Message))
		if len(msg.Fields) > 0 {
			b.WriteString(fmt.Sprintf(" %v", msg.Fields))
		}
		b.WriteString("\n")
	}
	return b.String()
}
