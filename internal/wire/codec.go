// Package wire holds the messages exchanged over Connect and the codec that
// serializes them.
//
// Messages are plain Go structs. The codec registers under the name "json",
// replacing Connect's built-in JSON codec, so the same content types are
// used on the wire. Protobuf messages still go through protojson.
package wire

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Codec implements connect.Codec.
type Codec struct{}

var _ connect.Codec = Codec{}

// Name implements connect.Codec.
func (Codec) Name() string { return "json" }

// Marshal implements connect.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal implements connect.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

// WithCodec is the option clients and handlers of this module are built with.
func WithCodec() connect.Option {
	return connect.WithCodec(Codec{})
}

// Timestamp carries a protobuf timestamp in its canonical RFC 3339 JSON form.
type Timestamp struct {
	*timestamppb.Timestamp
}

// UnixTimestamp converts Unix seconds. Zero yields an unset Timestamp.
func UnixTimestamp(sec int64) Timestamp {
	if sec == 0 {
		return Timestamp{}
	}
	return Timestamp{Timestamp: timestamppb.New(timeFromUnix(sec))}
}

// Unix returns Unix seconds, or zero if unset.
func (t Timestamp) Unix() int64 {
	if t.Timestamp == nil {
		return 0
	}
	return t.Timestamp.GetSeconds()
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Timestamp == nil {
		return []byte("null"), nil
	}
	return protojson.Marshal(t.Timestamp)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Timestamp = nil
		return nil
	}
	ts := &timestamppb.Timestamp{}
	if err := protojson.Unmarshal(data, ts); err != nil {
		return fmt.Errorf("failed to parse timestamp: %w", err)
	}
	t.Timestamp = ts
	return nil
}
