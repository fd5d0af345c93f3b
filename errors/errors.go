package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
)

// Error kinds shared across packages. Match them with Is.
var (
	ErrConfiguration = stderrors.New("configuration error")
	ErrNotFound      = stderrors.New("not found")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

var locationTag = regexp.MustCompile(`\[[^\[\]\s]+:\d+\] `)

// Message returns err's text without the file and line tags added by New and
// Wrapf, for showing to users.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return locationTag.ReplaceAllString(err.Error(), "")
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
