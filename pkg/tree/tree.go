// Package tree provides helpers for working with workspace file trees.
package tree

import (
	"path"
	"sort"

	"github.com/lzy19926/lzy-code-editor/pkg/models"
)

// FindByPath resolves an absolute path in the tree (recursive).
func FindByPath(root *models.FileTreeNode, absPath string) *models.FileTreeNode {
	if root == nil {
		return nil
	}
	if root.AbsolutePath == absPath {
		return root
	}
	for _, child := range root.Children {
		if found := FindByPath(child, absPath); found != nil {
			return found
		}
	}
	return nil
}

// FindByRelative resolves a slash separated path relative to the root.
func FindByRelative(root *models.FileTreeNode, rel string) *models.FileTreeNode {
	if root == nil {
		return nil
	}
	rel = path.Clean("/" + rel)[1:]
	if rel == "" {
		return root
	}
	return findRel(root, rel)
}

func findRel(node *models.FileTreeNode, rel string) *models.FileTreeNode {
	if node.RelativePath == rel {
		return node
	}
	for _, child := range node.Children {
		if found := findRel(child, rel); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *models.FileTreeNode) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// Files returns the absolute paths of all regular files, sorted.
func Files(root *models.FileTreeNode) []string {
	var out []string
	walk(root, func(n *models.FileTreeNode) {
		if !n.IsDir {
			out = append(out, n.AbsolutePath)
		}
	})
	sort.Strings(out)
	return out
}

// Dirs returns the absolute paths of all directories including the root.
func Dirs(root *models.FileTreeNode) []string {
	var out []string
	walk(root, func(n *models.FileTreeNode) {
		if n.IsDir {
			out = append(out, n.AbsolutePath)
		}
	})
	return out
}

// Flatten returns all nodes keyed by relative path.
func Flatten(root *models.FileTreeNode) map[string]*models.FileTreeNode {
	result := make(map[string]*models.FileTreeNode)
	walk(root, func(n *models.FileTreeNode) {
		result[n.RelativePath] = n
	})
	return result
}

func walk(node *models.FileTreeNode, fn func(*models.FileTreeNode)) {
	if node == nil {
		return
	}
	fn(node)
	for _, child := range node.Children {
		walk(child, fn)
	}
}
