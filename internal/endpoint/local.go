package endpoint

import (
	"github.com/blockdelta/bsync/internal/container"
)

// LocalTransport is the endpoint for sync mode (a)'s local-filesystem
// case: both peers run in the same process, so there is no wire protocol
// to speak — the sync driver reads and writes the destination tree
// directly through a container.FilePool.
type LocalTransport struct {
	BasePath string
}

// NewLocalTransport returns a transport rooted at basePath.
func NewLocalTransport(basePath string) *LocalTransport {
	return &LocalTransport{BasePath: basePath}
}

// Walk snapshots the tree at BasePath, per container.Walk.
func (l *LocalTransport) Walk() (*container.Container, error) {
	return container.Walk(l.BasePath)
}

// Pool returns a FilePool rooted at BasePath.
func (l *LocalTransport) Pool(c *container.Container) container.FilePool {
	return c.NewFilePool(l.BasePath)
}

// Prepare materializes c's directory/symlink/file skeleton at BasePath,
// ahead of patch application.
func (l *LocalTransport) Prepare(c *container.Container) error {
	return c.Prepare(l.BasePath)
}
