package bus

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Pub/sub channels shared by every shard. All three carry JSON envelopes.
const (
	ChannelBroadcast = "shard:broadcast"
	ChannelRequest   = "shard:request"
	ChannelResponse  = "shard:response"
)

// Envelope is the wire message exchanged between shards. RequestID is set on
// request/response traffic and empty on broadcasts.
type Envelope struct {
	Type      string          `json:"type"`
	ShardID   int             `json:"shardId"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func newEnvelope(typ string, shardID int, requestID string, data json.RawMessage) Envelope {
	return Envelope{
		Type:      typ,
		ShardID:   shardID,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Response is one shard's answer inside a scatter-gather.
type Response struct {
	ShardID int
	Data    json.RawMessage
	Err     string
}

// newRequestID builds an ID unique across concurrent requests, including ones
// issued by the same shard within the same millisecond.
func newRequestID(shardID int) string {
	return fmt.Sprintf("%d-%d-%s", shardID, time.Now().UnixMilli(), uuid.NewString())
}
