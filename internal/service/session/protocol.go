package session

import (
	"encoding/json"
	"strings"

	"github.com/splax/hostd/internal/container"
)

// Kind distinguishes log sessions from console sessions.
type Kind string

const (
	KindLogs    Kind = "logs"
	KindConsole Kind = "console"
)

// Client frame types.
const (
	FrameStart  = "start"
	FrameFilter = "filter"
	FrameInput  = "input"
	FrameResize = "resize"
	FramePause  = "pause"
	FrameResume = "resume"
	FrameStop   = "stop"
	FramePing   = "ping"
)

// Server frame types.
const (
	FrameConnected  = "connected"
	FrameLog        = "log"
	FrameOutput     = "output"
	FrameError      = "error"
	FrameWarning    = "warning"
	FramePaused     = "paused"
	FrameResumed    = "resumed"
	FrameSessionEnd = "session_end"
	FrameStreamEnd  = "stream_end"
	FramePong       = "pong"
)

// Reasons carried by session_end.
const (
	ReasonReplaced     = "replaced"
	ReasonStopped      = "stopped"
	ReasonStreamEnded  = "stream_ended"
	ReasonStreamError  = "stream_error"
	ReasonMessageLimit = "message_limit"
	ReasonIdle         = "idle_timeout"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "shutdown"
)

// ClientFrame is a message received from a client.
type ClientFrame struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	Level     string          `json:"level,omitempty"`
	Keyword   string          `json:"keyword,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Container string          `json:"container,omitempty"`
	Data      string          `json:"data,omitempty"`
	Cols      uint            `json:"cols,omitempty"`
	Rows      uint            `json:"rows,omitempty"`
}

// ServerFrame is a message sent to a client.
type ServerFrame struct {
	Type        string `json:"type"`
	ProjectID   string `json:"projectId,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`
	Data        any    `json:"data,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Filter narrows forwarded log lines. Set fields are AND-combined.
type Filter struct {
	Level     string `json:"level,omitempty"`
	Keyword   string `json:"keyword,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Container string `json:"container,omitempty"`
}

// LogOptions are the options of a log start frame.
type LogOptions struct {
	Tail  int    `json:"tail,omitempty"`
	Since string `json:"since,omitempty"`
	Filter
}

// ConsoleOptions are the options of a console start frame.
type ConsoleOptions struct {
	Shell string `json:"shell,omitempty"`
	Cols  uint   `json:"cols,omitempty"`
	Rows  uint   `json:"rows,omitempty"`
}

// Valid reports whether the filter names a known stream.
func (f Filter) Valid() bool {
	return f.Stream == "" || f.Stream == "stdout" || f.Stream == "stderr"
}

// Match reports whether line passes every set criterion. Level matches
// case-insensitively anywhere in the message.
func (f Filter) Match(line container.LogLine) bool {
	if f.Stream != "" && line.Stream != f.Stream {
		return false
	}
	if f.Container != "" && line.Container != f.Container {
		return false
	}
	if f.Level != "" && !strings.Contains(strings.ToLower(line.Message), strings.ToLower(f.Level)) {
		return false
	}
	if f.Keyword != "" && !strings.Contains(line.Message, f.Keyword) {
		return false
	}
	return true
}

func filterFrom(frame ClientFrame) Filter {
	return Filter{Level: frame.Level, Keyword: frame.Keyword, Stream: frame.Stream, Container: frame.Container}
}
