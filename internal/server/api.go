package server

import (
	"github.com/pepperpark/mailshift/internal/eventlog"
)

type (
	// SimpleApiResp is the short response of most endpoints:
	// {"status": "error", "msg": "..."} or {"status": "success"}.
	SimpleApiResp struct {
		Status SimpleRespStatus `json:"status"`
		Msg    string           `json:"msg,omitempty"`
	}

	SimpleRespStatus string

	// StreamEvent is the data of one server-sent event.
	StreamEvent struct {
		Message  string `json:"message"`
		IsError  bool   `json:"is_error"`
		Progress *int   `json:"progress,omitempty"`
	}

	StatsResetResp struct {
		Success bool `json:"success"`
	}

	TestConnectionResp struct {
		Success bool     `json:"success"`
		Error   string   `json:"error,omitempty"`
		Folders []string `json:"folders,omitempty"`
	}
)

const (
	RespOK     SimpleRespStatus = "success"
	RespFailed SimpleRespStatus = "error"
)

func toStreamEvent(ev eventlog.Event) StreamEvent {
	return StreamEvent{Message: ev.Message, IsError: ev.IsError, Progress: ev.Progress}
}
