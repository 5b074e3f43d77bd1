package formatting

import (
	"fmt"

	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"go.uber.org/zap"
)

// NewFormattingProvider creates the formatting provider registered under providerId.
func NewFormattingProvider(providerId string, runner container.CommandRunner, reporter Reporter, logger *zap.Logger) (FormattingProvider, error) {
	switch providerId {
	case PerltidyProviderId:
		return NewPerltidy(runner, reporter, logger), nil
	default:
		return nil, fmt.Errorf("formatting not supported for provider: %s", providerId)
	}
}
