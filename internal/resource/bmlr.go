package resource

import (
	"context"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/store"
)

// BMLRHandler implements the b/bmr resource: a primary BBR never acts
// on another primary's backup-MLR fan-out; any other role only logs the
// payload size at debug level (spec.md §4.10). No backup table is kept.
type BMLRHandler struct {
	Log   *zap.SugaredLogger
	Store *store.Store
}

// NewBMLRHandler builds a BMLRHandler.
func NewBMLRHandler(st *store.Store, log *zap.SugaredLogger) *BMLRHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BMLRHandler{Log: log, Store: st}
}

func (h *BMLRHandler) HandlePost(_ context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	if h.Store.GetString("bbr_status") == "primary" {
		return coap.Message{}, false
	}
	h.Log.Debugw("received backup mlr fan-out", "from", from.String(), "bytes", len(req.Payload))
	return coap.Message{}, false
}
