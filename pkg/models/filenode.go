// Package models contains data types shared by the host and the presentation process.
package models

// FileTreeNode is a file or directory in a picked workspace tree.
// RelativePath is slash separated and relative to the tree root.
type FileTreeNode struct {
	IsDir        bool            `json:"isDir"`
	Name         string          `json:"name"`
	AbsolutePath string          `json:"absolutePath"`
	RelativePath string          `json:"relativePath"`
	Children     []*FileTreeNode `json:"children"`
}
