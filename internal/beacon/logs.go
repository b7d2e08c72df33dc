package beacon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/beaconvisor/internal/container"
)

// LogType classifies one line of beacon client output.
type LogType int

const (
	LogInfo LogType = iota
	LogWarn
	LogError
	LogDebug
)

func (t LogType) String() string {
	switch t {
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	case LogDebug:
		return "debug"
	default:
		return "info"
	}
}

// ClassifyLine maps lighthouse level tags to a LogType.
func ClassifyLine(line string) LogType {
	switch {
	case strings.Contains(line, "ERRO"), strings.Contains(line, "CRIT"):
		return LogError
	case strings.Contains(line, "WARN"):
		return LogWarn
	case strings.Contains(line, "DEBG"), strings.Contains(line, "TRCE"):
		return LogDebug
	default:
		return LogInfo
	}
}

// StreamLogs follows the container output until ctx ends or the stream closes. Each line
// is copied to w and passed to fn; either may be nil.
func StreamLogs(ctx context.Context, c *container.Container, w io.Writer, fn func(LogType, string)) error {
	rc, err := c.Logs(ctx)
	if err != nil {
		return fmt.Errorf("logs not found for %s: %w", c.Name(), err)
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		stop()
		_ = rc.Close()
	}()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if w != nil {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if fn != nil {
			fn(ClassifyLine(line), line)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
