package writer

import "github.com/rxtech-lab/gapflow/internal/types"

// BarWriter persists downloaded bars. Implementations buffer writes and
// produce their artifact in Finalize.
type BarWriter interface {
	// Initialize sets up the writer. Must be called before Write.
	Initialize() error
	// Write persists a single bar.
	Write(bar types.Bar) error
	// Finalize flushes buffered data and returns the path of the artifact.
	Finalize() (string, error)
	// Close releases resources held by the writer.
	Close() error
}
