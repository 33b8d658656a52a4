package beacon

import "context"

// Metadata is optional descriptive data about a beacon, such as the name and
// colour registered for it. It is never derived from the device itself.
type Metadata struct {
	Name  string
	Color string
}

// MetadataResolver looks up metadata for an identifier. Returning ok=false
// with a nil error means nothing is known, which is not a failure.
type MetadataResolver interface {
	Resolve(ctx context.Context, id Identifier) (md Metadata, ok bool, err error)
}
