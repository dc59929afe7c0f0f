package converter

import (
	"context"

	"github.com/kalifun/fleetlink/pkg/types"
)

// Converter handles protocol conversion between transport messages and packets
type Converter interface {
	// ToPacket converts a transport message to a packet
	ToPacket(ctx context.Context, tmsg *types.TransportMessage) (*types.Packet, error)

	// FromPacket converts a packet to a transport publish message
	FromPacket(ctx context.Context, pkt *types.Packet) (*types.TransportPublish, error)

	// GetSupportedTypes returns the message types this converter supports
	GetSupportedTypes() []string
}
