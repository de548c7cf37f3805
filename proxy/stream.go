package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/metrics"
)

// streamRelay owns a committed upstream stream: the open response body,
// the downstream writer, and the gate releaser. Its cleanup obligations
// (close upstream body, release the slot, cancel the attempt context) run
// on every exit path.
type streamRelay struct {
	res      *upstreamResult
	endpoint string
	w        http.ResponseWriter
	release  func()
	logger   *zap.Logger
	metrics  *metrics.Metrics
	route    string
}

// run commits the response downstream and pumps bytes until the upstream
// finishes, fails, or the caller disconnects. Once the first byte is out
// the status line is history: an upstream failure mid-stream ends the
// relay without synthesizing any bytes.
func (s *streamRelay) run(ctx context.Context) {
	defer s.release()
	defer s.res.Live.Body.Close()
	if s.res.LiveCancel != nil {
		defer s.res.LiveCancel()
	}

	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.WriteHeader(s.res.Status)

	flusher, _ := s.w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	var sent int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := s.res.Live.Body.Read(buf)
		if n > 0 {
			if _, writeErr := s.w.Write(buf[:n]); writeErr != nil {
				s.logger.Debug("caller disconnected mid-stream",
					zap.Int64("bytes_sent", sent),
					zap.Error(writeErr),
				)
				s.metrics.RecordRequest(s.route, "client_gone")
				return
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr != nil {
			switch {
			case errors.Is(readErr, io.EOF):
				s.logger.Info("stream completed", zap.Int64("bytes_sent", sent))
				s.metrics.RecordRequest(s.route, "stream_complete")
			case ctx.Err() != nil:
				s.logger.Debug("caller disconnected mid-stream",
					zap.Int64("bytes_sent", sent),
					zap.Error(readErr),
				)
				s.metrics.RecordRequest(s.route, "client_gone")
			default:
				s.logger.Warn("stream aborted by upstream",
					zap.Int64("bytes_sent", sent),
					zap.Error(classifyUpstreamErr(s.endpoint, readErr, sent > 0, false)),
				)
				s.metrics.RecordRequest(s.route, "stream_aborted")
			}
			return
		}
	}
}
