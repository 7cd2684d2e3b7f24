package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error codes of the sync engine. The taxonomy mirrors what a push/pull
// round trip can surface: everything below 500 degrades to "retry later"
// on the client, nothing here is fatal in steady state.
const (
	ServerInternalError = 500

	CodeDuplicateOp     = 1001 // not an error for the caller, already applied
	CodeRejectedPayload = 1002 // disallowed field / malformed data
	CodeUnknownEntity   = 1003
	CodeConflict        = 1004 // applied LWW, conflict recorded
	CodeUnsafeDelete    = 1005 // delete without traceable live origin, dropped
	CodeUnauthorized    = 1006
	CodeBadCursor       = 1007
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Is matches by code so handlers can classify wrapped errors.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return err == nil && e == nil
	}
	return e != nil && e.Code == ce.Code
}

// CodeOf extracts the error code, ServerInternalError for anything
// outside the taxonomy.
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerInternalError
}

// Wrap attaches a stack to err.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

// WrapMsg attaches a stack plus a message.
func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

func New(msg string) error { return pkgerrors.New(msg) }
