package radio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Raw is the tagged sum type spec.md §9 calls for in place of Python's
// dynamic dispatch over dict/bytes/string packet encodings. Exactly one
// field is set.
type Raw struct {
	Structured       map[string]any
	JSON             []byte
	Protobuf         []byte
	Base64Protobuf   string
}

// StructuredRaw wraps an already-decoded packet map.
func StructuredRaw(m map[string]any) Raw { return Raw{Structured: m} }

// JSONRaw wraps a UTF-8 JSON-encoded packet.
func JSONRaw(b []byte) Raw { return Raw{JSON: b} }

// ProtobufRaw wraps a raw MeshPacket protobuf payload.
func ProtobufRaw(b []byte) Raw { return Raw{Protobuf: b} }

// Base64ProtobufRaw wraps a base64-encoded MeshPacket protobuf payload.
func Base64ProtobufRaw(s string) Raw { return Raw{Base64Protobuf: s} }

// Decode attempts, in order, the three wire encodings spec.md §4.6 names:
// an already-structured map, UTF-8 JSON bytes, and a MeshPacket protobuf
// (raw or base64-encoded). It never panics; a failure to parse in any
// encoding returns ErrUndecodable.
func Decode(raw Raw) (map[string]any, error) {
	if raw.Structured != nil {
		return raw.Structured, nil
	}

	if raw.JSON != nil {
		var m map[string]any
		if err := json.Unmarshal(raw.JSON, &m); err == nil {
			return m, nil
		}
		if m, err := decodeProtobufPacket(raw.JSON); err == nil {
			return m, nil
		}
		return nil, fmt.Errorf("%w: not JSON or protobuf", ErrUndecodable)
	}

	if raw.Protobuf != nil {
		m, err := decodeProtobufPacket(raw.Protobuf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return m, nil
	}

	if raw.Base64Protobuf != "" {
		b, err := base64.StdEncoding.DecodeString(raw.Base64Protobuf)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %v", ErrUndecodable, err)
		}
		m, err := decodeProtobufPacket(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: empty raw message", ErrUndecodable)
}

// decodeProtobufPacket unmarshals b as a MeshPacket and re-serializes it
// through protojson with original field names preserved, giving a map
// shaped the same way as the JSON encoding path.
func decodeProtobufPacket(b []byte) (map[string]any, error) {
	var pkt meshtastic.MeshPacket
	if err := proto.Unmarshal(b, &pkt); err != nil {
		return nil, err
	}
	return PacketToMap(&pkt)
}

// PacketToMap converts a MeshPacket to a generic map using the
// protobuf's original field names (fromId/toId style is produced
// downstream once the caller stamps gateway fields; here we mirror
// json_format.MessageToDict(preserving_proto_field_name=True)).
func PacketToMap(pkt *meshtastic.MeshPacket) (map[string]any, error) {
	b, err := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: false}.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("marshalling packet to json: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling packet json: %w", err)
	}
	return m, nil
}
