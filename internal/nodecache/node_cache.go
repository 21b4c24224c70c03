// Package nodecache holds the in-memory map of nodes the bridge has learned
// about from observed radio traffic (spec.md §3 NodeInfo, §4.2 NodeCache).
package nodecache

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"
)

// Position is a node's most recently reported location.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
}

// NodeInfo is the mutable record NodeCache keeps per NodeId. Its lifetime is
// the process lifetime: it is created on first packet and never destroyed.
type NodeInfo struct {
	LongName string
	Position *Position
	LastSeen time.Time
}

// NodeCache is the single-writer, many-reader map of learned nodes. Only the
// bridge's packet-ingest path mutates it; concurrent readers may observe
// stale values, which spec.md §5 accepts.
type NodeCache struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// New creates an empty NodeCache.
func New() *NodeCache {
	return &NodeCache{nodes: make(map[string]*NodeInfo)}
}

// GetNodeInfo returns a copy of the cached info for id, if any.
func (c *NodeCache) GetNodeInfo(id string) (NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// Len reports how many distinct nodes are known.
func (c *NodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// UpdateFromPacket extracts the sender id from packet's "fromId" field,
// inserts or updates its NodeInfo (bumping LastSeen), and decodes a position
// or long-name update if the packet's decoded app-port carries one. It
// returns true iff the node was not already known before this call.
//
// Parsing never panics on malformed payloads; failures are logged and
// UpdateFromPacket continues with whatever fields it could extract.
func (c *NodeCache) UpdateFromPacket(packet map[string]any) bool {
	fromID, _ := packet["fromId"].(string)
	if fromID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	node, existed := c.nodes[fromID]
	if !existed {
		node = &NodeInfo{}
		c.nodes[fromID] = node
	}
	node.LastSeen = time.Now()

	decoded, _ := packet["decoded"].(map[string]any)
	if decoded != nil {
		switch portNum(decoded) {
		case "POSITION_APP":
			if pos, err := decodePosition(decoded["payload"]); err != nil {
				log.Debug("failed to parse position payload", "node", fromID, "err", err)
			} else {
				node.Position = pos
			}
		case "NODEINFO_APP":
			if longName, err := decodeUserLongName(decoded["payload"]); err != nil {
				log.Debug("failed to parse user payload", "node", fromID, "err", err)
			} else if longName != "" {
				node.LongName = longName
			}
		}
	}

	return !existed
}

func portNum(decoded map[string]any) string {
	if p, ok := decoded["portnum"].(string); ok {
		return p
	}
	if p, ok := decoded["port_num"].(string); ok {
		return p
	}
	return ""
}

// payloadBytes tolerates a payload expressed as raw bytes ([]byte, from a
// structured/in-process caller) or as a base64 string (as produced by JSON
// and protojson encodings).
func payloadBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}
}

func decodePosition(payload any) (*Position, error) {
	b, err := payloadBytes(payload)
	if err != nil {
		return nil, err
	}
	var pos meshtastic.Position
	if err := proto.Unmarshal(b, &pos); err != nil {
		return nil, fmt.Errorf("unmarshalling Position: %w", err)
	}
	result := &Position{
		Latitude:  float64(pos.GetLatitudeI()) / 1e7,
		Longitude: float64(pos.GetLongitudeI()) / 1e7,
	}
	if pos.Altitude != nil {
		alt := float64(pos.GetAltitude())
		result.Altitude = &alt
	}
	return result, nil
}

func decodeUserLongName(payload any) (string, error) {
	b, err := payloadBytes(payload)
	if err != nil {
		return "", err
	}
	var user meshtastic.User
	if err := proto.Unmarshal(b, &user); err != nil {
		return "", fmt.Errorf("unmarshalling User: %w", err)
	}
	return user.GetLongName(), nil
}
