package sink

import (
	"context"
	"errors"

	"stream-service/internal/ws"
)

// Multi fans each snapshot out to several sinks. A failing sink does not
// stop the others.
type Multi []ws.MetricsSink

func (m Multi) Push(ctx context.Context, snap ws.Snapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Push(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
