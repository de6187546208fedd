package lsmengine

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// setupLogging opens <dir>/engine.log and points a dedicated logrus logger
// at it. Callers that supplied WithLogger skip this entirely and use their
// own logger as-is.
func setupLogging(dir string, level log.Level) (*log.Logger, *os.File, error) {
	file, err := os.OpenFile(filepath.Join(dir, "engine.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, &IoError{Op: "OP_ENGINE_SETUP_LOGGING", Err: err}
	}

	logger := log.New()
	logger.SetOutput(file)
	logger.SetLevel(level)
	return logger, file, nil
}
