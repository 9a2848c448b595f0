// Package listener receives messages over UDP and TCP and feeds them to the
// handler chain.
package listener

import (
	"context"
	"errors"

	"github.com/plogd/plogd/internal/pipeline"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
)

// Sink consumes complete messages.
type Sink interface {
	Handle(ctx context.Context, msg *pipeline.Message)
}

// Reassembler turns fragments into complete messages.
type Reassembler interface {
	Ingest(f *proto.Fragment) (*pipeline.Message, bool)
}

// countParseError fires the statistics event matching a proto.Parse error.
func countParseError(reporter stats.Reporter, err error) {
	switch {
	case errors.Is(err, proto.ErrInvalidVersion):
		reporter.ReceivedUDPInvalidVersion()
	case errors.Is(err, proto.ErrInvalidType):
		reporter.ReceivedV0InvalidType()
	case errors.Is(err, proto.ErrInvalidHeader):
		reporter.ReceivedV0InvalidMultipartHeader()
	case errors.Is(err, proto.ErrUnknownCommand):
		reporter.ReceivedUnknownCommand()
	}
	// empty datagrams carry nothing to count
}
