package formatting

import (
	"context"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"go.lsp.dev/protocol"
)

// Document is the content a formatting request applies to.
type Document struct {
	URI  protocol.DocumentURI
	Text string
}

// FormattingProvider defines the interface for document formatting providers.
// Providers never fail: any error is reported and results in no edits.
type FormattingProvider interface {
	// Id returns the unique identifier of the formatting provider
	Id() string

	// Name returns the human-readable name of the formatting provider
	Name() string

	// ProvideRangeFormatting returns the edits formatting rng of doc
	ProvideRangeFormatting(ctx context.Context, doc Document, rng protocol.Range, options protocol.FormattingOptions, cfg config.FormatConfig) []protocol.TextEdit

	// ProvideDocumentFormatting returns the edits formatting all of doc
	ProvideDocumentFormatting(ctx context.Context, doc Document, options protocol.FormattingOptions, cfg config.FormatConfig) []protocol.TextEdit
}

// Reporter surfaces formatting failures to the user.
type Reporter interface {
	ReportFormattingError(ctx context.Context, doc Document, err error)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, doc Document, err error)

func (f ReporterFunc) ReportFormattingError(ctx context.Context, doc Document, err error) {
	f(ctx, doc, err)
}
