package model

// CodeRepository is a node of a pulled source tree. Directories have a nil
// Content and carry their children in Sub.
type CodeRepository struct {
	Path    string           `json:"path"`
	Content *string          `json:"content"`
	Sub     []CodeRepository `json:"sub"`
}

func (c CodeRepository) IsDir() bool {
	return c.Content == nil
}

// Files counts the regular files under c, including c itself.
func (c CodeRepository) Files() int {
	if !c.IsDir() {
		return 1
	}
	n := 0
	for _, child := range c.Sub {
		n += child.Files()
	}
	return n
}
