// Package postgres implements the scanning domain repositories on
// PostgreSQL using pgx.
package postgres

import (
	"go.opentelemetry.io/otel/attribute"
)

// defaultDBAttributes are attached to every database span emitted by the
// stores in this package.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}
