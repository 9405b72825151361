// Package dispatch binds response units to incidents and drives both through
// their mirrored lifecycle stages.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/txrun"
)

type Service struct {
	run    *txrun.Runner
	logger zerolog.Logger
}

func NewService(run *txrun.Runner, logger zerolog.Logger) *Service {
	return &Service{
		run:    run,
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}
