package lua

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ExecuteScriptWithOutput runs script in sb and streams its output as it is produced.
// print() lines go to stdout and error reports to stderr; a nil writer discards that stream.
//
// Returns an error if script execution fails.
func ExecuteScriptWithOutput(
	ctx context.Context,
	sb *Sandbox,
	logger *logrus.Logger,
	name, script string,
	args map[string]string,
	stdout, stderr io.Writer,
) error {
	tap := func(rec OutputRecord) {
		w := stdout
		if rec.Source == "stderr" {
			w = stderr
		}
		if w == nil {
			return
		}
		if _, err := fmt.Fprint(w, rec.Content); err != nil {
			logger.WithError(err).Debug("Failed to write script output")
		}
	}

	res := sb.RunOnce(ctx, name, script, RunOptions{Args: args, Tap: tap})
	if res.Metrics.RecordsOverwritten > 0 {
		logger.WithField("lost", res.Metrics.RecordsOverwritten).Warn("Script output overflowed the buffer")
	}
	if res.Err != nil {
		return fmt.Errorf("failed to execute script: %w", res.Err)
	}
	return nil
}
