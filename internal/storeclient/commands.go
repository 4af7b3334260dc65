package storeclient

import (
	"context"

	"github.com/runbox/backend/internal/protocol"
)

// The typed command surface. Each call acquires a lease, issues exactly one
// RPC, and releases on every path.

func (p *Pool) call(ctx context.Context, command string, out interface{}, args ...interface{}) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	resp, err := lease.Call(ctx, protocol.Request{
		Command: command,
		Args:    args,
		Kwargs:  map[string]interface{}{},
	})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// IsUserExist reports whether email is registered.
func (p *Pool) IsUserExist(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := p.call(ctx, protocol.CmdIsUserExist, &exists, email)
	return exists, err
}

// GetUserID resolves email to the user's id.
func (p *Pool) GetUserID(ctx context.Context, email string) (int, error) {
	var id int
	err := p.call(ctx, protocol.CmdGetUserID, &id, email)
	return id, err
}

// IsPasswordOK checks the credentials. Unknown users read as a failed check.
func (p *Pool) IsPasswordOK(ctx context.Context, email, password string) (bool, error) {
	var ok bool
	err := p.call(ctx, protocol.CmdIsPasswordOK, &ok, email, password)
	return ok, err
}

// AddUser registers a new user and returns the assigned id.
func (p *Pool) AddUser(ctx context.Context, email, password string) (int, error) {
	var id int
	err := p.call(ctx, protocol.CmdAddUser, &id, email, password)
	return id, err
}

// SetUserFilesStruct persists the user's file structure blob.
func (p *Pool) SetUserFilesStruct(ctx context.Context, email string, blob []byte) error {
	return p.call(ctx, protocol.CmdSetUserFilesStruct, nil, email, blob)
}

// GetUserFilesStruct fetches the user's file structure blob; empty for a
// fresh user.
func (p *Pool) GetUserFilesStruct(ctx context.Context, email string) ([]byte, error) {
	var blob []byte
	err := p.call(ctx, protocol.CmdGetUserFilesStruct, &blob, email)
	return blob, err
}

// AllUsersString returns the admin listing of registered users.
func (p *Pool) AllUsersString(ctx context.Context) (string, error) {
	var listing string
	err := p.call(ctx, protocol.CmdGetAllUsersString, &listing)
	return listing, err
}
