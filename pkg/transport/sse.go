package transport

import (
	"bufio"
	"io"
	"strings"

	"github.com/routecodex/routecodex/pkg/codec"
)

// maxSSELineSize bounds a single SSE line; upstream deltas are small but
// aggregated tool arguments can run long.
const maxSSELineSize = 1024 * 1024

// readSSE parses a server-sent event stream into codec events. It sends
// one Event per data line (carrying the preceding event name, if any) and
// closes the channel at EOF. A read error is reported through errc.
func readSSE(body io.ReadCloser, events chan<- codec.Event, errc chan<- error) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			events <- codec.Event{Name: eventName, Data: data}
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		}
	}

	if err := scanner.Err(); err != nil {
		errc <- err
		return
	}
	errc <- nil
}
