package radio

import "errors"

var (
	// ErrUnknownPayloadType is returned when a MeshPacket carries neither a
	// decoded nor an encrypted payload variant.
	ErrUnknownPayloadType = errors.New("unknown payload type")
	// ErrDecrypt is returned when channel decryption or the resulting
	// protobuf unmarshal fails.
	ErrDecrypt = errors.New("unable to decrypt payload")
	// ErrUndecodable is returned by Decode when none of the three supported
	// wire encodings could parse the raw message.
	ErrUndecodable = errors.New("could not decode packet in any known encoding")
)
