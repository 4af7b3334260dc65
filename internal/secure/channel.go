package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/runbox/backend/internal/protocol"
)

// aesKeySize is the AES-256 session key length.
const aesKeySize = 32

// Channel is an established encrypted connection. Every record is CBOR
// encoded, PKCS#7 padded, AES-CBC encrypted under the session key with a
// fresh random IV, and carried in a length-prefixed frame.
//
// A Channel is not safe for concurrent use; callers serialise access (the
// pool hands a connection to one RPC at a time, the store server services
// one command at a time per connection).
type Channel struct {
	conn  net.Conn
	block cipher.Block
}

func newChannel(conn net.Conn, key []byte) (*Channel, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Channel{conn: conn, block: block}, nil
}

// Send encrypts record and writes it as one frame.
func (c *Channel) Send(record interface{}) error {
	plain, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	padded := pad(plain, aes.BlockSize)
	data := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(data, padded)

	envelope, err := cbor.Marshal(protocol.Envelope{Data: data, IV: iv})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return protocol.WriteFrame(c.conn, envelope)
}

// Recv reads one frame and decrypts it into out.
func (c *Channel) Recv(out interface{}) error {
	raw, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return err
	}

	var envelope protocol.Envelope
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.IV) != aes.BlockSize {
		return fmt.Errorf("bad iv length: %d", len(envelope.IV))
	}
	if len(envelope.Data) == 0 || len(envelope.Data)%aes.BlockSize != 0 {
		return fmt.Errorf("bad ciphertext length: %d", len(envelope.Data))
	}

	plain := make([]byte, len(envelope.Data))
	cipher.NewCBCDecrypter(c.block, envelope.IV).CryptBlocks(plain, envelope.Data)

	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// SetDeadline bounds the next Send/Recv on the underlying connection.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr reports the peer address for logging.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// pad appends PKCS#7 padding up to the block size.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("bad padded length: %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding byte: %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
