package radio

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"
)

// DefaultKey is Meshtastic's well-known default channel PSK, commonly
// referenced by its base64 form "AQ==" / "1PG7OiApB1nwvP+rz05pAQ==".
var DefaultKey = []byte{0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59, 0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01}

// ParseKey decodes the URL-safe base64 representation of a channel PSK.
func ParseKey(key string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding channel key: %w", err)
	}
	return b, nil
}

func xorHash(p []byte) uint8 {
	var code uint8
	for _, b := range p {
		code ^= b
	}
	return code
}

// ChannelHash returns the single-byte hash Meshtastic uses to address a
// channel by name+PSK on the air.
func ChannelHash(channelName string, channelKey []byte) (uint32, error) {
	if len(channelKey) == 0 {
		return 0, fmt.Errorf("channel key cannot be empty")
	}
	h := xorHash([]byte(channelName))
	h ^= xorHash(channelKey)
	return uint32(h), nil
}

// XOR decrypts a Meshtastic channel-encrypted payload using AES-CTR, with the
// 16-byte nonce Meshtastic derives from the packet ID and sender node number.
func XOR(ciphertext []byte, key []byte, packetID uint32, fromNode uint32) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building AES cipher: %w", err)
	}

	var nonce [16]byte
	binary.LittleEndian.PutUint32(nonce[0:4], packetID)
	binary.LittleEndian.PutUint32(nonce[4:8], 0)
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)
	binary.LittleEndian.PutUint32(nonce[12:16], 0)

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// TryDecode returns the Data payload of a MeshPacket, decrypting it with key
// first if it arrived channel-encrypted.
func TryDecode(packet *meshtastic.MeshPacket, key []byte) (*meshtastic.Data, error) {
	switch packet.GetPayloadVariant().(type) {
	case *meshtastic.MeshPacket_Decoded:
		return packet.GetDecoded(), nil
	case *meshtastic.MeshPacket_Encrypted:
		decrypted, err := XOR(packet.GetEncrypted(), key, packet.GetId(), packet.GetFrom())
		if err != nil {
			log.Warn("failed decrypting packet", "err", err)
			return nil, ErrDecrypt
		}
		var data meshtastic.Data
		if err := proto.Unmarshal(decrypted, &data); err != nil {
			log.Warn("failed to unmarshal decrypted Data", "err", err)
			return nil, ErrDecrypt
		}
		return &data, nil
	default:
		return nil, ErrUnknownPayloadType
	}
}
