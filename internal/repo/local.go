package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
)

// LocalSource reads the committed tree of a local clone. Ref.Base selects a
// branch; empty means HEAD. Owner and Name are ignored.
type LocalSource struct {
	Path string
}

func NewLocalSource(path string) *LocalSource {
	return &LocalSource{Path: path}
}

func (l *LocalSource) tree(ref Ref) (*object.Tree, error) {
	r, err := git.PlainOpen(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", l.Path, err)
	}

	var hash plumbing.Hash
	if ref.Base == "" {
		head, err := r.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD of %s: %w", l.Path, err)
		}
		hash = head.Hash()
	} else {
		branch, err := r.Reference(plumbing.NewBranchReferenceName(ref.Base), true)
		if err != nil {
			return nil, fmt.Errorf("resolve branch %s of %s: %w", ref.Base, l.Path, err)
		}
		hash = branch.Hash()
	}

	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return commit.Tree()
}

func (l *LocalSource) ReadTree(ctx context.Context, ref Ref) ([]TreeEntry, error) {
	tree, err := l.tree(ref)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries = append(entries, TreeEntry{Path: f.Name, Size: f.Size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree of %s: %w", l.Path, err)
	}
	return entries, nil
}

func (l *LocalSource) ReadFile(ctx context.Context, ref Ref, path string) (string, error) {
	tree, err := l.tree(ref)
	if err != nil {
		return "", err
	}
	f, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", apperr.NotFound("%s not found in %s", path, l.Path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return f.Contents()
}
