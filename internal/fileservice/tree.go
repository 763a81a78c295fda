package fileservice

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/models"
)

// BuildTree walks root and returns its tree. Entries are in directory order
// (sorted by name). Names in the ignore list are skipped and symlinked
// directories are listed but not descended into.
func (s *Service) BuildTree(root string) (*models.FileTreeNode, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build tree: %s is not a directory", root)
	}

	node := &models.FileTreeNode{
		IsDir:        true,
		Name:         filepath.Base(root),
		AbsolutePath: root,
		RelativePath: "",
		Children:     []*models.FileTreeNode{},
	}
	count := 1
	node.Children, err = s.children(root, root, 1, &count)
	if err != nil {
		return nil, err
	}

	metrics.SetTreeNodes(count)
	s.logger.Debug("built tree", zap.String("root", root), zap.Int("nodes", count))
	return node, nil
}

func (s *Service) children(root, dir string, depth int, count *int) ([]*models.FileTreeNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	nodes := make([]*models.FileTreeNode, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if _, skip := s.ignore[name]; skip {
			continue
		}

		abs := filepath.Join(dir, name)
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return nil, err
		}

		isDir := entry.IsDir()
		symlink := entry.Type()&os.ModeSymlink != 0
		if symlink {
			if info, err := os.Stat(abs); err == nil {
				isDir = info.IsDir()
			}
		}

		child := &models.FileTreeNode{
			IsDir:        isDir,
			Name:         name,
			AbsolutePath: abs,
			RelativePath: filepath.ToSlash(rel),
			Children:     []*models.FileTreeNode{},
		}
		*count++

		if isDir && !symlink && (s.opts.MaxDepth == 0 || depth < s.opts.MaxDepth) {
			child.Children, err = s.children(root, abs, depth+1, count)
			if err != nil {
				// An unreadable subdirectory stays in the tree without children.
				s.logger.Warn("skipping unreadable directory", zap.String("path", abs), zap.Error(err))
				child.Children = []*models.FileTreeNode{}
			}
		}
		nodes = append(nodes, child)
	}
	return nodes, nil
}
