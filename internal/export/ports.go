package export

import (
	"context"

	"tanklog/internal/core"
)

// Ports for outbound export adapters.
type (
	// RowAppender lands a refuel log in the export target. The log ID goes
	// into the first column so deletions can find the row later.
	RowAppender interface {
		AppendLog(ctx context.Context, l core.RefuelLog, carLabel, currencyCode string) (rowRef string, err error)
	}

	// RowDeleter removes a previously exported log row by its ID.
	RowDeleter interface {
		DeleteLogRow(ctx context.Context, id int64) error
	}
)
