package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Result describes one reconcile. Baselined is false when the model was
// closed while its write was in flight.
type Result struct {
	Path      string
	Written   bool
	Baselined bool
}

// Coordinator writes the surface's live text back to disk when it differs
// from the active model's baseline.
type Coordinator struct {
	models *ModelService
	calls  Invoker
	slot   *SurfaceSlot
	log    *zap.Logger

	mu sync.Mutex
}

// NewCoordinator creates a coordinator for the surface published in slot.
func NewCoordinator(models *ModelService, calls Invoker, slot *SurfaceSlot) *Coordinator {
	return &Coordinator{
		models: models,
		calls:  calls,
		slot:   slot,
		log:    logging.Named("sync"),
	}
}

// Reconcile compares the live text with the active baseline. Equal text
// does no I/O. Otherwise the live text is written through writeFileTextSync
// and becomes the new baseline once the write succeeds. Reconciles run one
// at a time.
func (c *Coordinator) Reconcile(ctx context.Context) (Result, error) {
	surface, err := c.slot.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wait for surface: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active, ok := c.models.Active()
	if !ok {
		return Result{}, ErrNoActiveModel
	}
	res := Result{Path: active.ID}

	live := surface.Text()
	if live == active.Text {
		c.log.Debug("model clean", zap.String("path", active.ID))
		return res, nil
	}

	start := time.Now()
	_, err = c.calls.Invoke(ctx, protocol.OpWriteFileText, protocol.WriteFileTextParams{
		Path: active.ID,
		Text: live,
	})
	if err != nil {
		return res, fmt.Errorf("write %s: %w", active.ID, err)
	}
	res.Written = true
	res.Baselined = c.models.Cache().UpdateBaseline(active.ID, live)
	if !res.Baselined {
		c.log.Warn("model closed during write, baseline not updated", zap.String("path", active.ID))
	}

	c.log.Info("wrote dirty model",
		zap.String("path", active.ID),
		zap.Int("bytes", len(live)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}
