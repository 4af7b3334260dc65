package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/runbox/backend/internal/protocol"
)

// ClientHandshake establishes an encrypted channel over conn from the dialing
// side: it generates a fresh AES-256 session key, sends it RSA-OAEP encrypted
// under the server's public key, and waits for the server's acknowledgment.
// On error the connection is left to the caller to close.
func ClientHandshake(conn net.Conn, pub *rsa.PublicKey) (*Channel, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}

	if err := sendRecord(conn, protocol.KeyExchange{AESKey: encrypted}); err != nil {
		return nil, fmt.Errorf("send key exchange: %w", err)
	}

	var reply protocol.StatusReply
	if err := recvRecord(conn, &reply); err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if reply.Status != protocol.StatusSuccess {
		return nil, fmt.Errorf("handshake rejected: %q", reply.Status)
	}

	return newChannel(conn, key)
}

// ServerHandshake establishes an encrypted channel over conn from the
// accepting side: it decrypts the client's session key with the private key
// and acknowledges. Any failure means the caller must close the connection.
func ServerHandshake(conn net.Conn, priv *rsa.PrivateKey) (*Channel, error) {
	var exchange protocol.KeyExchange
	if err := recvRecord(conn, &exchange); err != nil {
		return nil, fmt.Errorf("read key exchange: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, exchange.AESKey, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key: %w", err)
	}
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("bad session key length: %d", len(key))
	}

	if err := sendRecord(conn, protocol.StatusReply{Status: protocol.StatusSuccess}); err != nil {
		return nil, fmt.Errorf("send handshake reply: %w", err)
	}

	return newChannel(conn, key)
}

// Handshake records travel in plain CBOR frames; encryption starts after the
// key exchange completes.

func sendRecord(conn net.Conn, record interface{}) error {
	raw, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode handshake record: %w", err)
	}
	return protocol.WriteFrame(conn, raw)
}

func recvRecord(conn net.Conn, out interface{}) error {
	raw, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode handshake record: %w", err)
	}
	return nil
}
