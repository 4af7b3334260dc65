package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ============================================================================
// BACKEND WIRE RECORDS
// ============================================================================
//
// Every record crossing the backend transport is CBOR: self-describing,
// reproducible across implementations, and binary-safe.

// KeyExchange opens the handshake. AESKey holds the fresh session key,
// RSA-OAEP encrypted with the server's public key.
type KeyExchange struct {
	AESKey []byte `cbor:"aes_key"`
}

// StatusReply acknowledges the handshake.
type StatusReply struct {
	Status string `cbor:"status"`
}

// Envelope carries one encrypted message: AES-CBC ciphertext plus the fresh
// IV it was sealed with.
type Envelope struct {
	Data []byte `cbor:"data"`
	IV   []byte `cbor:"iv"`
}

// Request is the RPC envelope sent by the gateway.
type Request struct {
	Command string                 `cbor:"command"`
	Args    []interface{}          `cbor:"args"`
	Kwargs  map[string]interface{} `cbor:"kwargs"`
}

// Response is the RPC envelope returned by the store server.
type Response struct {
	Status    string          `cbor:"status"`
	Data      cbor.RawMessage `cbor:"data,omitempty"`
	ErrorType string          `cbor:"error_type,omitempty"`
	Message   string          `cbor:"message,omitempty"`
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Store server command names. The dispatch set is closed: anything else is
// answered with ErrTypeUnknownCommand.
const (
	CmdIsUserExist        = "is_user_exist"
	CmdGetUserID          = "get_user_id"
	CmdIsPasswordOK       = "is_password_ok"
	CmdAddUser            = "add_user"
	CmdSetUserFilesStruct = "set_user_files_struct"
	CmdGetUserFilesStruct = "get_user_files_struct"
	CmdGetAllUsersString  = "get_all_users_string"
)

// Error types carried in Response.ErrorType.
const (
	ErrTypeUnknownCommand = "UnknownCommandError"
	ErrTypeUserNotFound   = "UserNotFoundError"
	ErrTypeUserExists     = "UserExistsError"
	ErrTypeBadRequest     = "BadRequestError"
	ErrTypeStorage        = "StorageError"
)

// NewSuccess builds a success response with data encoded in place.
func NewSuccess(data interface{}) (Response, error) {
	if data == nil {
		return Response{Status: StatusSuccess}, nil
	}
	raw, err := cbor.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("encode response data: %w", err)
	}
	return Response{Status: StatusSuccess, Data: raw}, nil
}

// NewError builds an error response.
func NewError(errorType, message string) Response {
	return Response{Status: StatusError, ErrorType: errorType, Message: message}
}
