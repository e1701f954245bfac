package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

// dispatchObservers fans out dispatch events.
type dispatchObservers []rpc.DispatchObserver

func (o dispatchObservers) Rejected(ctx context.Context, caller identity.Caller, endpoint string) {
	for _, observer := range o {
		observer.Rejected(ctx, caller, endpoint)
	}
}

func (o dispatchObservers) Completed(endpoint string, outcome rpc.Outcome, elapsed time.Duration) {
	for _, observer := range o {
		observer.Completed(endpoint, outcome, elapsed)
	}
}

// violationObserver persists rejections under the masked caller key.
type violationObserver struct {
	recorder  ViolationRecorder
	extractor *identity.Extractor
	clock     clock.Clock
	logger    observability.Logger
}

func (v *violationObserver) Rejected(ctx context.Context, caller identity.Caller, endpoint string) {
	key := v.extractor.MaskedKey(caller)
	if err := v.recorder.RecordViolation(ctx, key, endpoint, v.clock.Now()); err != nil {
		v.logger.Warn("Failed to record rate limit violation",
			zap.String("key", key),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
}

func (v *violationObserver) Completed(string, rpc.Outcome, time.Duration) {}
