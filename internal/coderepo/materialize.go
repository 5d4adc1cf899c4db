package coderepo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
)

// Materialize replaces the contents of dir with repo. The directory itself
// is kept so a container bind mount on it stays valid.
func Materialize(dir string, repo *model.CodeRepository) error {
	if repo == nil {
		return errors.New("code repository is required for execution")
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return errors.Wrapf(err, "create mount dir %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read mount dir %s", dir)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "clear %s", e.Name())
		}
	}

	return write(dir, dir, *repo)
}

func write(root, base string, node model.CodeRepository) error {
	path := filepath.Join(base, node.Path)
	if !within(root, path) {
		return errors.Newf("path %q escapes the mount dir", node.Path)
	}

	if node.IsDir() {
		if err := os.MkdirAll(path, 0o777); err != nil {
			return errors.Wrapf(err, "create %s", path)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(path))
		}
		if err := os.WriteFile(path, []byte(*node.Content), 0o666); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}

	for _, child := range node.Sub {
		if err := write(root, path, child); err != nil {
			return err
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
