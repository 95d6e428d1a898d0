package events

import (
	"context"
	"errors"
)

// Fanout 依次发布到多个发布者，合并错误
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
