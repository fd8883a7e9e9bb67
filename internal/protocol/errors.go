package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a protocol-level validation failure: the command was rejected
// before any dispatch happened.
type Error struct {
	Cmd    string
	Reason string
}

func (e *Error) Error() string {
	if e.Cmd == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error in %s: %s", e.Cmd, e.Reason)
}

// IsProtocolError reports whether err is (or wraps) a protocol Error.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Validate checks that the required fields for the command kind are present.
func Validate(c *Command) error {
	switch c.Cmd {
	case CmdGetRuntimeInfo:
		return nil
	case CmdDeployRequest, CmdDeployAndRun, CmdRunPythonApp:
		if strings.TrimSpace(c.Name) == "" {
			return &Error{Cmd: c.Cmd, Reason: "missing app name"}
		}
		if strings.TrimSpace(c.Payload()) == "" {
			return &Error{Cmd: c.Cmd, Reason: "no code provided"}
		}
		return nil
	case CmdStopPythonApp:
		if strings.TrimSpace(c.Name) == "" {
			return &Error{Cmd: c.Cmd, Reason: "missing app name"}
		}
		return nil
	case "":
		return &Error{Reason: "missing cmd"}
	default:
		return &Error{Cmd: c.Cmd, Reason: "unknown command"}
	}
}
