// Package client talks to a running gateway over its GATT control plane.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/protocol"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/ringchan"
)

// DefaultErrorWindow is how long fire-and-forget requests wait for an error notification
const DefaultErrorWindow = 300 * time.Millisecond

// Link is a connected control-plane transport
type Link interface {
	Write(packet []byte) error
	Subscribe(handler func(packet []byte)) error
	Close() error
}

// Client issues control-plane requests over a Link
type Client struct {
	link        Link
	logger      *logrus.Logger
	fragment    int
	errorWindow time.Duration

	reqMu   sync.Mutex // one request at a time; answers are not correlated
	inbound *ringchan.RingChannel[[]byte]
}

// New subscribes to notifications on link
func New(link Link, logger *logrus.Logger) (*Client, error) {
	c := &Client{
		link:        link,
		logger:      logger,
		fragment:    protocol.DefaultFragmentSize,
		errorWindow: DefaultErrorWindow,
		inbound:     ringchan.New[[]byte](16),
	}
	if err := link.Subscribe(c.onNotification); err != nil {
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	return c, nil
}

// WithFragmentSize sets the script bytes carried per chunk
func (c *Client) WithFragmentSize(n int) *Client {
	if n > 0 && n <= protocol.MaxBody-1 {
		c.fragment = n
	}
	return c
}

// WithErrorWindow sets how long RunScript and SetState wait for a rejection
func (c *Client) WithErrorWindow(d time.Duration) *Client {
	if d > 0 {
		c.errorWindow = d
	}
	return c
}

func (c *Client) onNotification(packet []byte) {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	if c.inbound.ForceSend(cp) {
		c.logger.Debug("Notification backlog full, dropped the oldest")
	}
}

// discard drops stale notifications left over from an earlier request
func (c *Client) discard() {
	for _, p := range c.inbound.Drain() {
		c.logger.WithField("bytes", len(p)).Debug("Discarding stale notification")
	}
}

// ListDevices requests the gateway's device list
func (c *Client) ListDevices(ctx context.Context) ([]registry.Entry, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discard()

	if err := c.link.Write(protocol.DeviceListRequestPacket()); err != nil {
		return nil, fmt.Errorf("failed to send device list request: %w", err)
	}

	for {
		p, err := c.inbound.ReceiveContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for device list: %w", err)
		}
		pkt, err := protocol.ParseResponse(p)
		if err != nil {
			c.logger.WithError(err).Debug("Ignoring unexpected notification")
			continue
		}
		switch pkt.ID {
		case protocol.DeviceListResponse:
			return protocol.DecodeDeviceList(p)
		case protocol.ErrorResponse:
			return nil, remoteError(p)
		}
	}
}

// RunScript uploads src in chunks. The gateway answers only on failure, so RunScript waits
// the error window for a rejection before reporting success.
func (c *Client) RunScript(ctx context.Context, src []byte) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discard()

	chunks := protocol.SplitScript(src, c.fragment)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.link.Write(chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"bytes":  len(src),
		"chunks": len(chunks),
	}).Debug("Script uploaded")
	return c.awaitRejection(ctx)
}

// SetState sends a SET_DEVICE_STATE request and waits the error window for a rejection
func (c *Client) SetState(ctx context.Context, id device.Identity, kind device.CommandKind, fields []int) error {
	pkt, err := protocol.EncodeSetState(id, kind, fields)
	if err != nil {
		return err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discard()

	if err := c.link.Write(pkt); err != nil {
		return fmt.Errorf("failed to send state: %w", err)
	}
	return c.awaitRejection(ctx)
}

func (c *Client) awaitRejection(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, c.errorWindow)
	defer cancel()

	for {
		p, err := c.inbound.ReceiveContext(wctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil
			}
			return err
		}
		if len(p) > 0 && protocol.PacketID(p[0]) == protocol.ErrorResponse {
			return remoteError(p)
		}
	}
}

func remoteError(p []byte) error {
	e, err := protocol.DecodeError(p)
	if err != nil {
		return err
	}
	return e
}

// Close releases the link
func (c *Client) Close() error {
	c.inbound.Close()
	return c.link.Close()
}
