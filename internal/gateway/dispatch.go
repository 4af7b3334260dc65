package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/runbox/backend/internal/protocol"
	"github.com/runbox/backend/internal/sandbox"
	"github.com/runbox/backend/internal/store"
	"github.com/runbox/backend/internal/vfs"
)

// opTimeout bounds one backend round trip, pool wait included.
const opTimeout = 30 * time.Second

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// handleFrame dispatches one client frame. It reports false when the
// session must close: a frame that does not parse, or a logout.
func (sess *Session) handleFrame(raw string) bool {
	code, rest, err := protocol.Split(raw)
	if err != nil {
		sess.log.Warn("malformed frame", "error", err)
		return false
	}
	sess.srv.metrics.RecordFrame(string(code))

	switch code {
	case protocol.CodeRegister:
		sess.handleRegister(rest)
		return true
	case protocol.CodeLogin:
		sess.handleLogin(rest)
		return true
	case protocol.CodeLogout:
		sess.log.Info("logout", "email", sess.email)
		return false
	}

	// Everything else requires an authenticated session.
	if sess.storage == nil {
		sess.sendError(protocol.ErrGeneral)
		return true
	}

	switch code {
	case protocol.CodeGetFile:
		sess.handleGetFile(rest)
	case protocol.CodeSaveFile:
		sess.handleSaveFile(rest)
	case protocol.CodeCreate:
		sess.handleCreate(rest)
	case protocol.CodeDelete:
		sess.handleDelete(rest)
	case protocol.CodeDownload:
		sess.handleDownload(rest)
	case protocol.CodeExecInline:
		sess.handleExecInline(rest)
	case protocol.CodeRunFile:
		sess.handleRunFile(rest)
	case protocol.CodeInput:
		sess.handleInput(rest)
	default:
		sess.log.Warn("unknown code", "code", string(code))
		sess.sendError(protocol.ErrGeneral)
	}
	return true
}

func (sess *Session) reply(code protocol.Code, args ...string) {
	sess.enqueue(protocol.Build(code, args...))
}

func (sess *Session) sendError(ec protocol.ErrorCode) {
	sess.reply(protocol.CodeError, string(ec))
}

// ============================================================================
// ACCOUNT OPERATIONS
// ============================================================================

func (sess *Session) handleRegister(rest string) {
	args, err := protocol.CutArgs(rest, 2)
	if err != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	email, password := args[0], args[1]

	ctx, cancel := opCtx()
	defer cancel()
	if _, err := sess.srv.pool.AddUser(ctx, email, password); err != nil {
		if errors.Is(err, store.ErrExists) {
			sess.sendError(protocol.ErrUserExists)
		} else {
			sess.log.Warn("register failed", "error", err)
			sess.sendError(protocol.ErrGeneral)
		}
		return
	}
	sess.log.Info("user registered", "email", email)
	sess.reply(protocol.CodeRegisterOK)
}

func (sess *Session) handleLogin(rest string) {
	if sess.storage != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	args, err := protocol.CutArgs(rest, 2)
	if err != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	email, password := args[0], args[1]

	ctx, cancel := opCtx()
	defer cancel()

	// Unknown user, wrong password, and backend failure all look the
	// same from outside.
	ok, err := sess.srv.pool.IsPasswordOK(ctx, email, password)
	if err != nil || !ok {
		if err != nil {
			sess.log.Warn("login check failed", "error", err)
		}
		sess.sendError(protocol.ErrLoginFailed)
		return
	}

	id, err := sess.srv.pool.GetUserID(ctx, email)
	if err != nil {
		sess.log.Warn("login lookup failed", "error", err)
		sess.sendError(protocol.ErrLoginFailed)
		return
	}
	blob, err := sess.srv.pool.GetUserFilesStruct(ctx, email)
	if err != nil {
		sess.log.Warn("login tree fetch failed", "error", err)
		sess.sendError(protocol.ErrLoginFailed)
		return
	}
	tree, err := vfs.ParseTree(blob)
	if err != nil {
		sess.log.Warn("stored tree does not parse", "user_id", id, "error", err)
		sess.sendError(protocol.ErrLoginFailed)
		return
	}
	treeJSON, err := tree.Marshal()
	if err != nil {
		sess.sendError(protocol.ErrLoginFailed)
		return
	}
	storage, err := vfs.Open(sess.srv.cfg.DataDir, id, tree)
	if err != nil {
		sess.log.Warn("user storage open failed", "user_id", id, "error", err)
		sess.sendError(protocol.ErrLoginFailed)
		return
	}

	sess.email = email
	sess.userID = id
	sess.storage = storage
	sess.log.Info("login", "email", email, "user_id", id)
	sess.reply(protocol.CodeLoginOK, string(treeJSON))
}

// ============================================================================
// FILE OPERATIONS
// ============================================================================

// fileChange is the SAVF payload.
type fileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// createRequest is the CREA payload.
type createRequest struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

func (sess *Session) handleGetFile(path string) {
	data, err := sess.storage.ReadFile(path)
	if err != nil {
		sess.log.Warn("file read failed", "path", path, "error", err)
		sess.sendError(protocol.ErrFileNotFound)
		return
	}
	sess.reply(protocol.CodeFileContent, base64.StdEncoding.EncodeToString(data))
}

func (sess *Session) handleDownload(path string) {
	data, err := sess.storage.ReadFile(path)
	if err != nil {
		sess.log.Warn("download read failed", "path", path, "error", err)
		sess.sendError(protocol.ErrFileNotFound)
		return
	}
	sess.reply(protocol.CodeDownloadOK, base64.StdEncoding.EncodeToString(data))
}

func (sess *Session) handleSaveFile(rest string) {
	var req fileChange
	if err := json.Unmarshal([]byte(rest), &req); err != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	if err := sess.storage.WriteFile(req.Path, []byte(req.Content)); err != nil {
		sess.log.Warn("save failed", "path", req.Path, "error", err)
		sess.sendError(protocol.ErrFileNotFound)
		return
	}
	sess.reply(protocol.CodeSaveOK)
}

func (sess *Session) handleCreate(rest string) {
	var req createRequest
	if err := json.Unmarshal([]byte(rest), &req); err != nil {
		sess.sendError(protocol.ErrCreateFailed)
		return
	}

	var err error
	switch req.Type {
	case vfs.TypeFile:
		err = sess.storage.CreateFile(req.Path)
	case vfs.TypeFolder:
		err = sess.storage.CreateDir(req.Path)
	default:
		err = fmt.Errorf("%w: unknown node type %q", vfs.ErrInvalidPath, req.Type)
	}
	if err != nil {
		sess.log.Warn("create failed", "type", req.Type, "path", req.Path, "error", err)
		sess.sendError(protocol.ErrCreateFailed)
		return
	}

	if !sess.persistTree() {
		return
	}
	sess.reply(protocol.CodeCreateOK)
}

func (sess *Session) handleDelete(path string) {
	if err := sess.storage.Delete(path); err != nil {
		sess.log.Warn("delete failed", "path", path, "error", err)
		sess.sendError(protocol.ErrDeleteFailed)
		return
	}

	if !sess.persistTree() {
		return
	}
	sess.reply(protocol.CodeDeleteOK)
}

// persistTree pushes the session's tree to the store. On failure the
// client sees ERRR~001 and the disk stays ahead of the store until the
// next successful mutation.
func (sess *Session) persistTree() bool {
	blob, err := sess.storage.Tree().Marshal()
	if err == nil {
		ctx, cancel := opCtx()
		defer cancel()
		err = sess.srv.pool.SetUserFilesStruct(ctx, sess.email, blob)
	}
	if err != nil {
		sess.log.Warn("tree persist failed", "error", err)
		sess.sendError(protocol.ErrGeneral)
		return false
	}
	return true
}

// ============================================================================
// EXECUTION OPERATIONS
// ============================================================================

func (sess *Session) handleExecInline(rest string) {
	source, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	sess.startExecution(sandbox.Request{Mode: sandbox.ModeInline, Source: source})
}

func (sess *Session) handleRunFile(path string) {
	// The path must resolve to a file in the tree before any container
	// exists; escapes and misses are refused right here.
	node, err := sess.storage.Tree().Get(path)
	if err != nil || node.Type != vfs.TypeFile {
		sess.log.Warn("run refused", "path", path, "error", err)
		sess.sendError(protocol.ErrFileNotFound)
		return
	}
	sess.startExecution(sandbox.Request{
		Mode:     sandbox.ModeStored,
		Path:     path,
		MountDir: sess.storage.Dir(),
	})
}

// startExecution launches the sandbox and leaves a goroutine behind to
// deliver the terminal frame. One execution per session: exec stays
// non-nil until its DONE has been queued.
func (sess *Session) startExecution(req sandbox.Request) {
	sess.execMu.Lock()
	defer sess.execMu.Unlock()

	if sess.exec != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}

	e, err := sess.srv.sup.Start(req, sessionSink{sess})
	if err != nil {
		sess.log.Warn("execution start failed", "error", err)
		sess.sendError(protocol.ErrGeneral)
		return
	}
	sess.exec = e
	go sess.awaitExecution(e)
}

// awaitExecution blocks until the execution ends, then emits the terminal
// frames. Wait returning means every output chunk has already been queued,
// so DONE is the last frame of the execution.
func (sess *Session) awaitExecution(e *sandbox.Execution) {
	res := e.Wait()

	outcome := "ok"
	switch {
	case res.TimedOut:
		outcome = "timeout"
		sess.sendError(protocol.ErrExecTimeout)
	case res.ExitCode != 0:
		outcome = "failed"
	}
	sess.srv.metrics.RecordExecution(string(e.Mode), outcome, res.Duration)

	sess.reply(protocol.CodeDone, strconv.Itoa(res.ExitCode))

	sess.execMu.Lock()
	if sess.exec == e {
		sess.exec = nil
	}
	sess.execMu.Unlock()
}

func (sess *Session) handleInput(rest string) {
	line, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		sess.sendError(protocol.ErrGeneral)
		return
	}

	sess.execMu.Lock()
	e := sess.exec
	sess.execMu.Unlock()

	// Only legal while an execution has solicited input.
	if e == nil || !e.SubmitInput(line) {
		sess.sendError(protocol.ErrGeneral)
		return
	}
	sess.srv.metrics.InputHandoffs.Inc()
}

// sessionSink forwards sandbox events onto the session's write pump.
type sessionSink struct {
	sess *Session
}

func (sk sessionSink) Output(chunk []byte) {
	sk.sess.reply(protocol.CodeOutput, base64.StdEncoding.EncodeToString(chunk))
}

func (sk sessionSink) InputNeeded() {
	sk.sess.reply(protocol.CodeInputNeeded)
}
