package scope

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// sniffWindow is how much of the downstream body is inspected for a state
// placeholder before the response is committed to streaming untouched.
const sniffWindow = 4096

// stateRewriter sniffs the first sniffWindow bytes of the downstream
// response for a state placeholder. If the placeholder shows up there, the
// whole body is buffered so the snapshot can be spliced in and
// Content-Length recomputed; otherwise the response streams through byte
// for byte.
type stateRewriter struct {
	http.ResponseWriter
	placeholder []byte
	fetch       func() string

	status      int
	wroteHeader bool
	buffering   bool // placeholder seen, rewrite at flush
	passthrough bool // sniff window exhausted without a match
	buf         bytes.Buffer
}

func newStateRewriter(w http.ResponseWriter, placeholder string, fetch func() string) *stateRewriter {
	return &stateRewriter{
		ResponseWriter: w,
		placeholder:    []byte(placeholder),
		fetch:          fetch,
		status:         http.StatusOK,
	}
}

func (rw *stateRewriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
}

func (rw *stateRewriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	if rw.passthrough {
		return rw.ResponseWriter.Write(b)
	}

	n, _ := rw.buf.Write(b)
	if !rw.buffering {
		if bytes.Contains(rw.buf.Bytes(), rw.placeholder) {
			rw.buffering = true
		} else if rw.buf.Len() >= sniffWindow {
			// No placeholder in the sniff window; release what is
			// buffered and stream the rest.
			rw.passthrough = true
			rw.ResponseWriter.WriteHeader(rw.status)
			if _, err := rw.ResponseWriter.Write(rw.buf.Bytes()); err != nil {
				return n, err
			}
			rw.buf.Reset()
		}
	}
	return n, nil
}

// flush splices the state snapshot if the placeholder was found, fixes
// Content-Length, and releases the response. No-op once streaming.
func (rw *stateRewriter) flush() {
	if rw.passthrough {
		return
	}
	body := rw.buf.Bytes()
	if rw.buffering {
		state := jsonStringEscape(rw.fetch())
		body = bytes.ReplaceAll(body, rw.placeholder, []byte(state))
		rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	rw.ResponseWriter.WriteHeader(rw.status)
	_, _ = rw.ResponseWriter.Write(body)
}

// jsonStringEscape makes a snapshot safe to land inside a JSON string
// literal in the downstream body.
func jsonStringEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
