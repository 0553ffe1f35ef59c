package sqlite

import (
	"github.com/relves/groupchain/internal/storage"
)

// Ensure the SQLite stores implement the storage interfaces at compile time.
var (
	_ storage.ChainStore = (*GroupStore)(nil)
	_ storage.NodeStore  = (*NodeStore)(nil)
)
