// Package persistence provides the api.Store implementations: a MongoDB
// store for real runs and an in-memory store that mimics the parts of
// MongoDB's write semantics the engine relies on.
package persistence

import "github.com/petrijr/matchengine/pkg/api"

var (
	_ api.Store = (*MongoStore)(nil)
	_ api.Store = (*InMemoryStore)(nil)
)

// Duplicate key is the only server error the in-memory store produces.
const duplicateKeyCode = 11000
