package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"trimorph/internal/jail"
	"trimorph/internal/state"
	terrors "trimorph/pkg/errors"
)

// Verb is a request keyword.
type Verb string

const (
	VerbExecute Verb = "EXECUTE"
	VerbStart   Verb = "START"
	VerbStop    Verb = "STOP"
	VerbStatus  Verb = "STATUS"
	VerbReload  Verb = "RELOAD"
	VerbQuit    Verb = "QUIT"
)

// arity is the allowed argument count per verb; max < 0 means unbounded.
var arity = map[Verb]struct{ min, max int }{
	VerbExecute: {2, -1},
	VerbStart:   {1, 1},
	VerbStop:    {1, 1},
	VerbStatus:  {0, 1},
	VerbReload:  {0, 0},
	VerbQuit:    {0, 0},
}

// Request is one protocol line: a verb and whitespace-separated arguments.
type Request struct {
	Verb Verb
	Args []string
}

// ParseRequest parses a request line without its trailing newline.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty request", terrors.ErrBadRequest)
	}
	verb := Verb(strings.ToUpper(fields[0]))
	a, ok := arity[verb]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown command %q", terrors.ErrBadRequest, fields[0])
	}
	args := fields[1:]
	if len(args) < a.min || (a.max >= 0 && len(args) > a.max) {
		return Request{}, fmt.Errorf("%w: wrong number of arguments for %s", terrors.ErrBadRequest, verb)
	}
	return Request{Verb: verb, Args: args}, nil
}

// Encode renders the request as a protocol line. Arguments cannot contain
// whitespace because the protocol splits on it.
func (r Request) Encode() (string, error) {
	if _, ok := arity[r.Verb]; !ok {
		return "", fmt.Errorf("%w: unknown command %q", terrors.ErrBadRequest, r.Verb)
	}
	parts := []string{string(r.Verb)}
	for _, arg := range r.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\r\n\v\f") {
			return "", fmt.Errorf("%w: argument %q cannot be sent to the daemon", terrors.ErrBadRequest, arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ") + "\n", nil
}

// Kind classifies an error response.
type Kind string

const (
	KindNotFound    Kind = "NotFound"
	KindBusy        Kind = "Busy"
	KindBadRequest  Kind = "BadRequest"
	KindToolMissing Kind = "ToolMissing"
	KindInternal    Kind = "Internal"
)

// KindOf maps an error onto its wire kind.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, terrors.ErrJailNotFound),
		errors.Is(err, terrors.ErrFileNotFound),
		errors.Is(err, terrors.ErrJailStale):
		return KindNotFound
	case errors.Is(err, terrors.ErrBusy),
		errors.Is(err, terrors.ErrJailRunning):
		return KindBusy
	case errors.Is(err, terrors.ErrBadRequest),
		errors.Is(err, terrors.ErrJailNotRunning):
		return KindBadRequest
	case errors.Is(err, terrors.ErrToolMissing):
		return KindToolMissing
	default:
		return KindInternal
	}
}

// Response is OK or ERR <kind>, an optional message on the same line and
// optional body lines, terminated by a blank line.
type Response struct {
	OK      bool
	Kind    Kind
	Message string
	Body    []string
}

// OK builds a success response. A multi-line payload goes into the body.
func OK(lines ...string) Response {
	if len(lines) == 1 {
		return Response{OK: true, Message: lines[0]}
	}
	return Response{OK: true, Body: lines}
}

// Fail builds the error response for err.
func Fail(err error) Response {
	return Response{Kind: KindOf(err), Message: oneLine(err.Error())}
}

// Lines returns the payload: the first-line message followed by the body.
func (r Response) Lines() []string {
	var out []string
	if r.Message != "" {
		out = append(out, r.Message)
	}
	return append(out, r.Body...)
}

// Err converts an error response into a *RemoteError, nil for OK.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return &RemoteError{Kind: r.Kind, Message: r.Message}
}

// WriteTo writes the framed response.
func (r Response) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	if r.OK {
		b.WriteString("OK")
	} else {
		b.WriteString("ERR ")
		b.WriteString(string(r.Kind))
	}
	if r.Message != "" {
		b.WriteByte(' ')
		b.WriteString(oneLine(r.Message))
	}
	b.WriteByte('\n')
	for _, line := range r.Body {
		if line = oneLine(line); line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// ReadResponse reads one framed response.
func ReadResponse(r *bufio.Reader) (Response, error) {
	head, err := readLine(r)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	switch {
	case head == "OK" || strings.HasPrefix(head, "OK "):
		resp.OK = true
		resp.Message = strings.TrimPrefix(strings.TrimPrefix(head, "OK"), " ")
	case strings.HasPrefix(head, "ERR "):
		rest := strings.TrimPrefix(head, "ERR ")
		kind, msg, _ := strings.Cut(rest, " ")
		resp.Kind = Kind(kind)
		resp.Message = msg
	default:
		return Response{}, fmt.Errorf("malformed response %q", head)
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return Response{}, fmt.Errorf("read response body: %w", err)
		}
		if line == "" {
			return resp, nil
		}
		resp.Body = append(resp.Body, line)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RemoteError is an ERR response seen by a client. It matches the sentinel
// errors of its kind with errors.Is.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == terrors.ErrJailNotFound || target == terrors.ErrFileNotFound || target == terrors.ErrJailStale
	case KindBusy:
		return target == terrors.ErrBusy || target == terrors.ErrJailRunning
	case KindBadRequest:
		return target == terrors.ErrBadRequest || target == terrors.ErrJailNotRunning
	case KindToolMissing:
		return target == terrors.ErrToolMissing
	}
	return false
}

// StatusLine is one line of a STATUS payload: "<name> <STATE> [pid] [stale]".
type StatusLine struct {
	Name   string
	Status state.Status
	Pid    int
	Stale  bool
}

// FormatStatus renders a jail entry as a STATUS line.
func FormatStatus(e jail.Entry) string {
	parts := []string{e.Name, string(e.Status)}
	if e.Pid > 0 {
		parts = append(parts, strconv.Itoa(e.Pid))
	}
	if e.Stale {
		parts = append(parts, "stale")
	}
	return strings.Join(parts, " ")
}

// ParseStatus parses a STATUS line.
func ParseStatus(line string) (StatusLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 4 {
		return StatusLine{}, fmt.Errorf("malformed status line %q", line)
	}
	sl := StatusLine{Name: fields[0], Status: state.Status(fields[1])}
	if !sl.Status.Valid() {
		return StatusLine{}, fmt.Errorf("malformed status line %q: unknown state", line)
	}
	for _, f := range fields[2:] {
		if f == "stale" {
			sl.Stale = true
			continue
		}
		pid, err := strconv.Atoi(f)
		if err != nil || pid <= 0 {
			return StatusLine{}, fmt.Errorf("malformed status line %q", line)
		}
		sl.Pid = pid
	}
	return sl, nil
}
