package formatting

import (
	"context"
	"fmt"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/formatter"
	"github.com/cristianradulescu/perltidy-ls/internal/utils"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

const (
	PerltidyProviderId   string = "perltidy"
	PerltidyProviderName string = "Perl::Tidy"
)

type Perltidy struct {
	formatter *formatter.Formatter
	reporter  Reporter
	logger    *zap.Logger
}

func NewPerltidy(runner container.CommandRunner, reporter Reporter, logger *zap.Logger) *Perltidy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Perltidy{
		formatter: formatter.NewFormatter(runner, logger),
		reporter:  reporter,
		logger:    logger,
	}
}

func (p *Perltidy) Id() string {
	return PerltidyProviderId
}

func (p *Perltidy) Name() string {
	return PerltidyProviderName
}

// ProvideRangeFormatting ignores options: the configured perltidy arguments
// define the style.
func (p *Perltidy) ProvideRangeFormatting(ctx context.Context, doc Document, rng protocol.Range, _ protocol.FormattingOptions, cfg config.FormatConfig) (edits []protocol.TextEdit) {
	edits = []protocol.TextEdit{}

	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, doc, fmt.Errorf("formatter panic: %v", r))
			edits = []protocol.TextEdit{}
		}
	}()

	edit, err := p.formatter.Format(ctx, formatter.Request{Text: doc.Text, Range: rng}, cfg)
	if err != nil {
		p.fail(ctx, doc, err)
		return edits
	}
	if edit == nil {
		return edits
	}
	if ctx.Err() != nil {
		p.logger.Debug("Formatting cancelled, discarding result", zap.String("uri", string(doc.URI)))
		return edits
	}
	if utils.RangeText(doc.Text, edit.Range) == edit.NewText {
		return edits
	}

	return append(edits, *edit)
}

func (p *Perltidy) ProvideDocumentFormatting(ctx context.Context, doc Document, options protocol.FormattingOptions, cfg config.FormatConfig) []protocol.TextEdit {
	return p.ProvideRangeFormatting(ctx, doc, utils.DocumentRange(doc.Text), options, cfg)
}

func (p *Perltidy) fail(ctx context.Context, doc Document, err error) {
	p.logger.Error("Formatting failed", zap.String("uri", string(doc.URI)), zap.Error(err))
	if p.reporter != nil {
		p.reporter.ReportFormattingError(ctx, doc, err)
	}
}
