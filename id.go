package supercheck

import "github.com/supercheck-io/supercheck-sub009/id"

// ID is the primary identifier type for all Supercheck entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
