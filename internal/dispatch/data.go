package dispatch

import (
	"context"
	"encoding/json"

	"github.com/temoto/sensorlink/coap"
	"github.com/temoto/sensorlink/internal/sink"
	"github.com/temoto/sensorlink/internal/types"
	"github.com/temoto/sensorlink/log2"
)

// DataPath is the single fixed resource path the device posts to.
const DataPath = "data"

// NewDataHandler stores posted readings. Malformed payload is rejected with
// Bad Request before the sink is touched; a sink failure answers Internal
// Server Error and the reading is not retried here — the device's own
// retransmit is the sole recovery path.
func NewDataHandler(store sink.Storer, log *log2.Log) HandlerFunc {
	return func(ctx context.Context, req *coap.Message) *coap.Message {
		var r types.Reading
		if err := json.Unmarshal(req.Payload, &r); err != nil || r.SensorType == "" {
			log.Debugf("data bad payload id=%04x (%d)%x err=%v", req.ID, len(req.Payload), req.Payload, err)
			return coap.NewReply(req, coap.CodeBadRequest, nil)
		}
		if err := store.Store(ctx, r); err != nil {
			log.Errorf("data store sensor=%s value=%f: %v", r.SensorType, r.Value, err)
			return coap.NewReply(req, coap.CodeInternalServerError, nil)
		}
		log.Debugf("data stored sensor=%s value=%f id=%04x", r.SensorType, r.Value, req.ID)
		return coap.NewReply(req, coap.CodeChanged, []byte("OK"))
	}
}
