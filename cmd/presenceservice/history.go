package main

import (
	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/presence/handler"
	"github.com/example/agrilink/internal/presence/sink"
)

// historyWriter is fed either by the channel or by the history endpoint.
type historyWriter interface {
	sink.Sink
	handler.HistoryRecorder
}

// historyPaths wires w to exactly one write path so each sample is stored once.
func historyPaths(mode string, w historyWriter) ([]sink.Sink, handler.HistoryRecorder) {
	if mode == config.HistoryFromDevice {
		return nil, w
	}
	return []sink.Sink{w}, nil
}
