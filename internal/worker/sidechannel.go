package worker

import (
	"bufio"
	"io"
	"log/slog"

	"github.com/valetbot/valet/internal/ipc"
)

// maxSideChannelLine bounds a single side-channel line. Structured messages
// can carry full result texts, so this is generous.
const maxSideChannelLine = 1024 * 1024

// readSideChannel consumes r line by line until EOF. Structured messages go
// to onMessage; malformed prefixed lines are discarded with a warning; plain
// lines are diagnostics, logged at debug and optionally captured in tail.
func readSideChannel(r io.Reader, onMessage func(*ipc.Message), tail *tailBuffer, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSideChannelLine)

	for scanner.Scan() {
		line := scanner.Text()

		msg, matched, err := ipc.ParseLine(line)
		switch {
		case !matched:
			if line == "" {
				continue
			}
			logger.Debug("worker diagnostic output", "line", line)
			if tail != nil {
				tail.WriteLine(line)
			}
		case err != nil:
			logger.Warn("discarding malformed side-channel line", "error", err)
		default:
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("side-channel read ended with error", "error", err)
	}
}
