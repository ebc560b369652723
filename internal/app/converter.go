package app

import (
	"context"
	"time"

	"github.com/knd3dayo/ai-chat-util/internal/normalize"
	"github.com/knd3dayo/ai-chat-util/internal/observe"
)

// timedConverter records the latency and outcome of every Office conversion.
type timedConverter struct {
	next    normalize.Converter
	metrics *observe.Metrics
}

func (c *timedConverter) Convert(ctx context.Context, src, outDir string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "office.convert")
	defer span.End()

	start := time.Now()
	out, err := c.next.Convert(ctx, src, outDir)
	c.metrics.RecordConversion(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}
