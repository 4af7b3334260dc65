// Package vfs maintains each user's virtual filesystem: real content on disk
// under the user's directory, and a FileTree describing structure and
// ordering. The tree is what clients render and what the store persists; the
// disk is what executions mount. The two are kept consistent by performing
// the disk mutation first and the tree mutation second, with the tree
// preconditions checked up front.
package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Node types.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// Sentinel errors for tree and storage operations.
var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrNotFile     = errors.New("not a file")
)

// Node is one entry of a FileTree.
type Node struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Children []*Node `json:"children,omitempty"`
}

// MarshalJSON keeps the two node shapes the client expects: files carry no
// children key, folders always carry one, empty or not.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.Type == TypeFolder {
		children := n.Children
		if children == nil {
			children = []*Node{}
		}
		return json.Marshal(struct {
			Type     string  `json:"type"`
			Name     string  `json:"name"`
			Children []*Node `json:"children"`
		}{n.Type, n.Name, children})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}{n.Type, n.Name})
}

// Tree is a user's file tree. The zero value is an empty tree.
type Tree struct {
	roots []*Node
}

// ParseTree decodes a serialised tree. Empty input yields an empty tree.
func ParseTree(data []byte) (*Tree, error) {
	t := &Tree{}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t.roots); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if err := validateNodes(t.roots); err != nil {
		return nil, err
	}
	return t, nil
}

func validateNodes(nodes []*Node) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n == nil || n.Name == "" {
			return fmt.Errorf("tree node with empty name")
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate sibling name %q", n.Name)
		}
		seen[n.Name] = true
		switch n.Type {
		case TypeFile:
			if len(n.Children) > 0 {
				return fmt.Errorf("file node %q has children", n.Name)
			}
		case TypeFolder:
			if err := validateNodes(n.Children); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tree node %q has unknown type %q", n.Name, n.Type)
		}
	}
	return nil
}

// Marshal serialises the tree to the client/store JSON form.
func (t *Tree) Marshal() ([]byte, error) {
	if t.roots == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(t.roots)
	if err != nil {
		return nil, fmt.Errorf("encode tree: %w", err)
	}
	return data, nil
}

// SplitPath validates a client-supplied path and returns its components.
// Paths are relative, '/'-separated, and may not contain empty components,
// a leading '/', or '..'.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: leading slash in %q", ErrInvalidPath, path)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty component in %q", ErrInvalidPath, path)
		}
		if p == ".." {
			return nil, fmt.Errorf("%w: parent reference in %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Get resolves path to its node. Every intermediate component must be an
// existing folder; a mismatch anywhere reads as not found.
func (t *Tree) Get(path string) (*Node, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return t.get(parts)
}

func (t *Tree) get(parts []string) (*Node, error) {
	nodes := t.roots
	for i, part := range parts {
		n := findChild(nodes, part)
		if n == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(parts[:i+1], "/"))
		}
		if i == len(parts)-1 {
			return n, nil
		}
		if n.Type != TypeFolder {
			return nil, fmt.Errorf("%w: %s is not a folder", ErrNotFound, strings.Join(parts[:i+1], "/"))
		}
		nodes = n.Children
	}
	return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
}

func findChild(nodes []*Node, name string) *Node {
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// siblings returns a pointer to the child list that holds (or would hold)
// the node named by parts; the last component is the leaf inside it.
func (t *Tree) siblings(parts []string) (*[]*Node, error) {
	if len(parts) == 1 {
		return &t.roots, nil
	}
	parent, err := t.get(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	if parent.Type != TypeFolder {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrNotFound, strings.Join(parts[:len(parts)-1], "/"))
	}
	return &parent.Children, nil
}

// checkInsert verifies the insert preconditions for parts without mutating:
// parent folder exists, leaf does not.
func (t *Tree) checkInsert(parts []string) (*[]*Node, error) {
	list, err := t.siblings(parts)
	if err != nil {
		return nil, err
	}
	leaf := parts[len(parts)-1]
	if findChild(*list, leaf) != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, strings.Join(parts, "/"))
	}
	return list, nil
}

// insert appends a new leaf node under its parent, preserving insertion
// order. Callers run checkInsert first.
func (t *Tree) insert(list *[]*Node, name, nodeType string) *Node {
	n := &Node{Type: nodeType, Name: name}
	if nodeType == TypeFolder {
		n.Children = []*Node{}
	}
	*list = append(*list, n)
	return n
}

// remove unlinks the leaf named by parts and returns it.
func (t *Tree) remove(parts []string) (*Node, error) {
	list, err := t.siblings(parts)
	if err != nil {
		return nil, err
	}
	leaf := parts[len(parts)-1]
	for i, n := range *list {
		if n.Name == leaf {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(parts, "/"))
}
