package timeplus

import (
	"context"
)

// TimeplusClient is the subset of the Proton connection the gateway uses.
// It exists so the history backend and event sink can be tested with a mock.
type TimeplusClient interface {
	StreamExists(ctx context.Context, name string) (bool, error)
	CreateStream(ctx context.Context, name string, schema []Column) error
	DeleteStream(ctx context.Context, name string) error
	ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error)
	InsertRows(ctx context.Context, streamName string, columns []string, rows [][]interface{}) error
	ExecuteDDL(ctx context.Context, query string) error
	Close() error
}

// Ensure Client implements TimeplusClient
var _ TimeplusClient = (*Client)(nil)
