package store

import (
	"context"
	"fmt"
	"sort"
)

// Memory is a non-persistent Store for tests and single-process setups
// without a database.
type Memory struct {
	nextID int
	byMail map[string]*User
	blobs  map[int][]byte
}

// NewMemory returns an empty in-memory store. Ids start at 1.
func NewMemory() *Memory {
	return &Memory{
		nextID: 1,
		byMail: make(map[string]*User),
		blobs:  make(map[int][]byte),
	}
}

func (m *Memory) AddUser(_ context.Context, email string, salt []byte, digest string) (int, error) {
	if _, ok := m.byMail[email]; ok {
		return 0, fmt.Errorf("add user %q: %w", email, ErrExists)
	}
	id := m.nextID
	m.nextID++
	m.byMail[email] = &User{
		ID:     id,
		Email:  email,
		Salt:   append([]byte(nil), salt...),
		Digest: digest,
	}
	return id, nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (*User, error) {
	u, ok := m.byMail[email]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
	}
	copied := *u
	copied.Salt = append([]byte(nil), u.Salt...)
	return &copied, nil
}

func (m *Memory) SetFilesStruct(_ context.Context, userID int, blob []byte) error {
	m.blobs[userID] = append([]byte(nil), blob...)
	return nil
}

func (m *Memory) FilesStruct(_ context.Context, userID int) ([]byte, error) {
	blob, ok := m.blobs[userID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (m *Memory) AllUsers(_ context.Context) ([]User, error) {
	users := make([]User, 0, len(m.byMail))
	for _, u := range m.byMail {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *Memory) Close() error {
	return nil
}
