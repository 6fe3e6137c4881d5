package core

import (
	"context"
	"time"
)

// BaseNode is the address and lifetime shared by storage nodes and the
// rendezvous server.
type BaseNode struct {
	Address   string
	Ctx       context.Context
	StartTime time.Time
}

func NewBaseNode(ctx context.Context, address string) *BaseNode {
	return &BaseNode{
		Address:   address,
		Ctx:       ctx,
		StartTime: time.Now(),
	}
}

// IsAlive reports whether the node's context is still open.
func (n *BaseNode) IsAlive() bool {
	select {
	case <-n.Ctx.Done():
		return false
	default:
		return true
	}
}

func (n *BaseNode) Uptime() time.Duration {
	return time.Since(n.StartTime)
}
