package router

import "fmt"

// Error is a routed-request failure. Code is either a routing code
// (AGENT_UNREACHABLE, TIMEOUT, NO_HANDLER, BUS_PUBLISH_FAILED) or an
// agent-reported code forwarded verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
