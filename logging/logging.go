package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger: development config when debug is set,
// production JSON otherwise.
func New(debug bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests and optional
// wiring.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
