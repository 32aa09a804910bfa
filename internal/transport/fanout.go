package transport

import (
	"context"
	"errors"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Fanout publishes every event to several publishers.
type Fanout []schemas.ProgressPublisher

// Publish delivers to all targets and joins their errors.
func (f Fanout) Publish(ctx context.Context, event schemas.ProgressEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
