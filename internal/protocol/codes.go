// Package protocol defines the two wire formats of the service: the
// tilde-delimited text frames spoken between editor clients and the session
// gateway, and the length-prefixed binary frames spoken between the gateway
// and the store server.
package protocol

import (
	"fmt"
	"strings"
)

// ============================================================================
// CLIENT TEXT PROTOCOL
// ============================================================================

// Sep separates the code and arguments inside a client text frame.
const Sep = "~"

// Code is the 4-letter operation tag leading every client frame.
type Code string

// Client-to-server codes.
const (
	CodeRegister   Code = "REGI"
	CodeLogin      Code = "LOGN"
	CodeGetFile    Code = "GETF"
	CodeSaveFile   Code = "SAVF"
	CodeCreate     Code = "CREA"
	CodeDelete     Code = "DELF"
	CodeDownload   Code = "DNLD"
	CodeExecInline Code = "EXEC"
	CodeRunFile    Code = "RUNF"
	CodeInput      Code = "INPR"
	CodeLogout     Code = "OUTT"
)

// Server-to-client codes.
const (
	CodeRegisterOK  Code = "REGR"
	CodeLoginOK     Code = "LOGR"
	CodeFileContent Code = "FILC"
	CodeFileOK      Code = "FILR"
	CodeSaveOK      Code = "SAVR"
	CodeCreateOK    Code = "CRER"
	CodeDeleteOK    Code = "DELR"
	CodeDownloadOK  Code = "DNLR"
	CodeOutput      Code = "OUTP"
	CodeInputNeeded Code = "INPT"
	CodeDone        Code = "DONE"
	CodeError       Code = "ERRR"
)

const codeLen = 4

// ErrorCode is the 3-digit payload of an ERRR frame.
type ErrorCode string

const (
	ErrGeneral      ErrorCode = "001" // catch-all, also unauthenticated
	ErrLoginFailed  ErrorCode = "101"
	ErrUserExists   ErrorCode = "102"
	ErrFileNotFound ErrorCode = "201"
	ErrExecTimeout  ErrorCode = "202"
	ErrCreateFailed ErrorCode = "301"
	ErrDeleteFailed ErrorCode = "302"
)

// Build assembles a text frame from a code and its arguments.
func Build(code Code, args ...string) string {
	if len(args) == 0 {
		return string(code)
	}
	return string(code) + Sep + strings.Join(args, Sep)
}

// Split separates a raw text frame into its code and the remainder after the
// first separator. The remainder is returned unsplit: argument arity differs
// per code and later arguments (file content, JSON bodies) may themselves
// contain the separator, so callers cut the remainder themselves.
func Split(raw string) (Code, string, error) {
	if len(raw) < codeLen {
		return "", "", fmt.Errorf("frame too short: %q", raw)
	}
	code := Code(raw[:codeLen])
	if len(raw) == codeLen {
		return code, "", nil
	}
	if raw[codeLen] != Sep[0] {
		return "", "", fmt.Errorf("malformed frame: missing separator after code %q", raw[:codeLen])
	}
	return code, raw[codeLen+1:], nil
}

// CutArgs splits the remainder of a frame into exactly n arguments. The last
// argument keeps any embedded separators.
func CutArgs(rest string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	args := strings.SplitN(rest, Sep, n)
	if len(args) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return args, nil
}
