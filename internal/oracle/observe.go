package oracle

import (
	"context"
	"time"
)

// ObserveFunc receives the outcome of every Generate call.
type ObserveFunc func(provider string, duration time.Duration, err error)

type observed struct {
	Oracle
	observe ObserveFunc
}

// WithObserver wraps o so each Generate call is reported to observe.
func WithObserver(o Oracle, observe ObserveFunc) Oracle {
	if observe == nil {
		return o
	}
	return &observed{Oracle: o, observe: observe}
}

func (o *observed) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := o.Oracle.Generate(ctx, req)
	o.observe(o.Oracle.Name(), time.Since(start), err)
	return resp, err
}
