// Package storeserver is the backend RPC server: it accepts framed
// connections, runs the key-exchange handshake, and services store commands
// one at a time per connection. Dispatch is a closed switch over the known
// command set; every command holds the process-wide write lock around the
// store for the duration of the call.
package storeserver

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/runbox/backend/internal/auth"
	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/protocol"
	"github.com/runbox/backend/internal/secure"
	"github.com/runbox/backend/internal/store"
)

// Server services store commands over the secure framed transport.
type Server struct {
	store   store.Store
	hasher  *auth.Hasher
	priv    *rsa.PrivateKey
	metrics *metrics.Metrics
	log     *slog.Logger

	// mu is the process-wide write lock: one command mutates or reads the
	// store at a time, across all connections.
	mu sync.Mutex

	closed  chan struct{}
	once    sync.Once
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	connsWG sync.WaitGroup
}

// New builds a Server over st. The private key must match the public key the
// pool clients dial with.
func New(st store.Store, hasher *auth.Hasher, priv *rsa.PrivateKey, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:   st,
		hasher:  hasher,
		priv:    priv,
		metrics: m,
		log:     log,
		closed:  make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Close. Each connection gets its own
// goroutine; a failed handshake closes only that connection.
func (s *Server) Serve(ln net.Listener) error {
	go func() {
		<-s.closed
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.connsWG.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.connsWG.Add(1)
		go func() {
			defer s.connsWG.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and drops every live connection; Serve unblocks once
// the handlers drain.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()
	peer := conn.RemoteAddr().String()

	ch, err := secure.ServerHandshake(conn, s.priv)
	if err != nil {
		s.log.Warn("handshake failed", "peer", peer, "error", err)
		return
	}
	s.log.Info("store client connected", "peer", peer)

	for {
		var req protocol.Request
		if err := ch.Recv(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("read request failed", "peer", peer, "error", err)
			}
			s.log.Info("store client disconnected", "peer", peer)
			return
		}

		resp := s.dispatch(context.Background(), &req)
		if err := ch.Send(resp); err != nil {
			s.log.Warn("write response failed", "peer", peer, "error", err)
			return
		}
	}
}

// dispatch runs one command under the write lock and maps its outcome to a
// wire response. Unknown commands and bad arguments never tear the
// connection down.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) protocol.Response {
	start := time.Now()

	s.mu.Lock()
	data, err := s.handle(ctx, req)
	s.mu.Unlock()

	resp, status := buildResponse(data, err)
	if s.metrics != nil {
		s.metrics.RecordStoreRequest(req.Command, status, time.Since(start))
	}
	if err != nil {
		s.log.Warn("command failed", "command", req.Command, "error", err)
	}
	return resp
}

func buildResponse(data interface{}, err error) (protocol.Response, string) {
	if err != nil {
		return protocol.NewError(errorType(err), err.Error()), protocol.StatusError
	}
	resp, encErr := protocol.NewSuccess(data)
	if encErr != nil {
		return protocol.NewError(protocol.ErrTypeStorage, encErr.Error()), protocol.StatusError
	}
	return resp, protocol.StatusSuccess
}

// errUnknownCommand marks commands outside the closed dispatch set.
var errUnknownCommand = errors.New("unknown command")

// errBadRequest marks malformed argument lists.
var errBadRequest = errors.New("bad request")

func errorType(err error) string {
	switch {
	case errors.Is(err, errUnknownCommand):
		return protocol.ErrTypeUnknownCommand
	case errors.Is(err, errBadRequest):
		return protocol.ErrTypeBadRequest
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrTypeUserNotFound
	case errors.Is(err, store.ErrExists):
		return protocol.ErrTypeUserExists
	default:
		return protocol.ErrTypeStorage
	}
}

func (s *Server) handle(ctx context.Context, req *protocol.Request) (interface{}, error) {
	switch req.Command {
	case protocol.CmdIsUserExist:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return s.isUserExist(ctx, email)

	case protocol.CmdGetUserID:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return s.getUserID(ctx, email)

	case protocol.CmdIsPasswordOK:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		password, err := stringArg(req.Args, 1)
		if err != nil {
			return nil, err
		}
		return s.isPasswordOK(ctx, email, password)

	case protocol.CmdAddUser:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		password, err := stringArg(req.Args, 1)
		if err != nil {
			return nil, err
		}
		return s.addUser(ctx, email, password)

	case protocol.CmdSetUserFilesStruct:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		blob, err := bytesArg(req.Args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.setUserFilesStruct(ctx, email, blob)

	case protocol.CmdGetUserFilesStruct:
		email, err := stringArg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return s.getUserFilesStruct(ctx, email)

	case protocol.CmdGetAllUsersString:
		return s.getAllUsersString(ctx)

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, req.Command)
	}
}

// ============================================================================
// COMMAND HANDLERS
// ============================================================================

func (s *Server) isUserExist(ctx context.Context, email string) (bool, error) {
	_, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) getUserID(ctx context.Context, email string) (int, error) {
	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (s *Server) isPasswordOK(ctx context.Context, email, password string) (bool, error) {
	u, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown user reads as a failed check, not an error: login surfaces
		// the same reply either way.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.hasher.Verify(password, u.Salt, u.Digest), nil
}

// addUser generates the credential material here, server side: the pepper
// never leaves this process.
func (s *Server) addUser(ctx context.Context, email, password string) (int, error) {
	if email == "" || password == "" {
		return 0, fmt.Errorf("%w: empty email or password", errBadRequest)
	}
	salt, err := s.hasher.GenerateSalt()
	if err != nil {
		return 0, err
	}
	digest := s.hasher.Digest(password, salt)

	id, err := s.store.AddUser(ctx, email, salt, digest)
	if err != nil {
		return 0, err
	}
	s.log.Info("user registered", "email", email, "user_id", id)
	return id, nil
}

func (s *Server) setUserFilesStruct(ctx context.Context, email string, blob []byte) error {
	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return err
	}
	return s.store.SetFilesStruct(ctx, u.ID, blob)
}

func (s *Server) getUserFilesStruct(ctx context.Context, email string) ([]byte, error) {
	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.store.FilesStruct(ctx, u.ID)
}

func (s *Server) getAllUsersString(ctx context.Context) (string, error) {
	users, err := s.store.AllUsers(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "%d\t%s\n", u.ID, u.Email)
	}
	return b.String(), nil
}

// ============================================================================
// ARGUMENT DECODING
// ============================================================================
//
// Request args arrive as a CBOR array of mixed values; each accessor checks
// position and type.

func stringArg(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", errBadRequest, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is %T, want string", errBadRequest, i, args[i])
	}
	return s, nil
}

func bytesArg(args []interface{}, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", errBadRequest, i)
	}
	switch v := args[i].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: argument %d is %T, want bytes", errBadRequest, i, args[i])
	}
}
