package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so a node can be configured from files, the environment,
// or both.
type Loader interface {
	// Load retrieves, parses and validates the configuration from the
	// underlying source.
	Load(ctx context.Context) (*Config, error)
}
