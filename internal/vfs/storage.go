package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserDirName is the on-disk directory name for a user id, zero-padded to
// three digits.
func UserDirName(id int) string {
	return fmt.Sprintf("user_%03d", id)
}

// Storage binds one user's disk directory to their FileTree.
type Storage struct {
	dir  string
	tree *Tree
}

// Open prepares a user's storage under base, creating the directory if
// needed. The tree is the structure loaded from the store (nil for a fresh
// user).
func Open(base string, userID int, tree *Tree) (*Storage, error) {
	if tree == nil {
		tree = &Tree{}
	}
	dir, err := filepath.Abs(filepath.Join(base, UserDirName(userID)))
	if err != nil {
		return nil, fmt.Errorf("resolve user directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user directory: %w", err)
	}
	return &Storage{dir: dir, tree: tree}, nil
}

// Dir returns the absolute user directory, suitable for a read-only bind
// mount into a sandbox.
func (s *Storage) Dir() string {
	return s.dir
}

// Tree returns the structure index backing this storage.
func (s *Storage) Tree() *Tree {
	return s.tree
}

// abs maps a validated relative path into the user directory.
func (s *Storage) abs(parts []string) string {
	return filepath.Join(s.dir, filepath.Join(parts...))
}

// CreateFile creates an empty file on disk and appends its node to the tree.
func (s *Storage) CreateFile(path string) error {
	return s.create(path, TypeFile)
}

// CreateDir creates a directory on disk and appends its folder node.
func (s *Storage) CreateDir(path string) error {
	return s.create(path, TypeFolder)
}

func (s *Storage) create(path, nodeType string) error {
	parts, err := SplitPath(path)
	if err != nil {
		return err
	}
	list, err := s.tree.checkInsert(parts)
	if err != nil {
		return err
	}

	target := s.abs(parts)
	if nodeType == TypeFolder {
		if err := os.Mkdir(target, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	} else {
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		f.Close()
	}

	s.tree.insert(list, parts[len(parts)-1], nodeType)
	return nil
}

// Delete removes the named entry from disk and from the tree. Folders are
// removed recursively.
func (s *Storage) Delete(path string) error {
	parts, err := SplitPath(path)
	if err != nil {
		return err
	}
	node, err := s.tree.get(parts)
	if err != nil {
		return err
	}

	target := s.abs(parts)
	if node.Type == TypeFolder {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}

	_, err = s.tree.remove(parts)
	return err
}

// ReadFile returns the content of the named file.
func (s *Storage) ReadFile(path string) ([]byte, error) {
	parts, err := s.fileParts(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.abs(parts))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile replaces the content of an existing file. Creating files goes
// through CreateFile so the tree stays authoritative for structure.
func (s *Storage) WriteFile(path string, content []byte) error {
	parts, err := s.fileParts(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.abs(parts), content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// fileParts resolves path and requires it to name a file node.
func (s *Storage) fileParts(path string) ([]string, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	node, err := s.tree.get(parts)
	if err != nil {
		return nil, err
	}
	if node.Type != TypeFile {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	return parts, nil
}

// Rename moves an entry to a new name under the same parent.
func (s *Storage) Rename(oldPath, newPath string) error {
	oldParts, err := SplitPath(oldPath)
	if err != nil {
		return err
	}
	newParts, err := SplitPath(newPath)
	if err != nil {
		return err
	}
	if len(oldParts) != len(newParts) ||
		strings.Join(oldParts[:len(oldParts)-1], "/") != strings.Join(newParts[:len(newParts)-1], "/") {
		return fmt.Errorf("%w: rename must stay in the same folder", ErrInvalidPath)
	}

	list, err := s.tree.siblings(oldParts)
	if err != nil {
		return err
	}
	node := findChild(*list, oldParts[len(oldParts)-1])
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	newLeaf := newParts[len(newParts)-1]
	if findChild(*list, newLeaf) != nil {
		return fmt.Errorf("%w: %s", ErrExists, newPath)
	}

	if err := os.Rename(s.abs(oldParts), s.abs(newParts)); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	node.Name = newLeaf
	return nil
}
