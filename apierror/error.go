package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is returned by the content API client for any non-success HTTP
// response. It keeps the status code so that callers can tell a missing
// section apart from a failing backend.
type Error struct {
	err    error
	status int
}

// ErrorMessage is the JSON error body written by content API servers.
type ErrorMessage struct {
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
}

var errDecode = errors.New("cannot decode error message")

var serverError []byte

func init() {
	// Make sure there is always an error body to write if encoding fails.
	e := ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
		Status:  http.StatusInternalServerError,
	}
	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse builds an error from a response status and body. A JSON
// ErrorMessage body contributes its message; any other body is used as plain
// text. The response status always takes precedence over a status in the
// body.
func FromResponse(status int, body []byte) error {
	var err error
	var apiErr *Error
	derr := DecodeError(body)
	switch {
	case derr == nil, errors.Is(derr, errDecode):
	case errors.As(derr, &apiErr):
		err = apiErr.err
	default:
		err = derr
	}
	if err == nil || err.Error() == "" {
		err = nil
		if text := strings.TrimSpace(string(body)); text != "" {
			err = errors.New(text)
		}
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

// IsNotFound reports whether err, or any error it wraps, is an API error with
// status 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status() == http.StatusNotFound
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

// Text returns the status and message together, e.g. "503 Service
// Unavailable: backend down".
func (e *Error) Text() string {
	var b strings.Builder
	if e.status != 0 {
		fmt.Fprintf(&b, "%d", e.status)
		if text := http.StatusText(e.status); text != "" {
			b.WriteString(" ")
			b.WriteString(text)
		}
	}
	if e.err != nil {
		if b.Len() != 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// EncodeError returns the JSON error body for err.
func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}
	e := ErrorMessage{
		Message: err.Error(),
	}
	var apierr *Error
	if errors.As(err, &apierr) {
		e.Status = apierr.Status()
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}

// WriteError writes err to w as a JSON error body with the given status.
func WriteError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(EncodeError(New(err, status)))
}

// DecodeError decodes a JSON error body written by EncodeError. The result is
// an *Error if the body carries a status.
func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var e ErrorMessage
	err := json.Unmarshal(data, &e)
	if err != nil {
		return fmt.Errorf("%w: %s", errDecode, err)
	}

	err = errors.New(e.Message)
	if e.Status == 0 {
		return err
	}
	return New(err, e.Status)
}
