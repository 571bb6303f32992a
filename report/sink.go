package report

import "context"

// Sink is the delivery interface for rendered reports. Implementations
// deliver to different backends (stdout, webhook, in-process callback).
type Sink interface {
	Send(ctx context.Context, rep *Report) error
	Close() error
}
