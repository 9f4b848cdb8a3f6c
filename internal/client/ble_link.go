package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/gatt"
)

// DialOptions select the gateway to connect to
type DialOptions struct {
	// Address of the gateway; empty connects to the first device advertising the gateway service
	Address        string
	ConnectTimeout time.Duration
}

// BLELink is a Link over a GATT connection
type BLELink struct {
	client     ble.Client
	notifyChar *ble.Characteristic
	writeChar  *ble.Characteristic
	logger     *logrus.Logger
	writeMutex sync.Mutex
}

// Dial connects to a gateway and discovers its control-plane characteristics
func Dial(ctx context.Context, opts DialOptions, logger *logrus.Logger) (*BLELink, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var cln ble.Client
	if opts.Address != "" {
		logger.WithField("address", opts.Address).Debug("Dialing gateway...")
		cln, err = ble.Dial(connCtx, ble.NewAddr(opts.Address))
	} else {
		logger.Debug("Looking for a gateway advertising the control service...")
		cln, err = ble.Connect(connCtx, func(a ble.Advertisement) bool {
			for _, u := range a.Services() {
				if u.Equal(gatt.ServiceUUID) {
					return true
				}
			}
			return false
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	link, err := discover(cln, logger)
	if err != nil {
		_ = cln.CancelConnection()
		return nil, err
	}
	logger.WithField("address", cln.Addr().String()).Info("Connected to gateway")
	return link, nil
}

func discover(cln ble.Client, logger *logrus.Logger) (*BLELink, error) {
	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	link := &BLELink{client: cln, logger: logger}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(gatt.ServiceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch {
			case ch.UUID.Equal(gatt.NotifyCharUUID):
				link.notifyChar = ch
			case ch.UUID.Equal(gatt.WriteCharUUID):
				link.writeChar = ch
			}
		}
	}
	if link.notifyChar == nil || link.writeChar == nil {
		return nil, fmt.Errorf("gateway service %s not found or incomplete", gatt.ServiceUUID)
	}
	return link, nil
}

// Write sends one packet with a write-with-response
func (l *BLELink) Write(packet []byte) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if err := l.client.WriteCharacteristic(l.writeChar, packet, false); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	l.logger.WithField("bytes", len(packet)).Debug("Wrote packet")
	return nil
}

// Subscribe delivers every notification to handler
func (l *BLELink) Subscribe(handler func(packet []byte)) error {
	return l.client.Subscribe(l.notifyChar, false, handler)
}

// Close drops the connection
func (l *BLELink) Close() error {
	if err := l.client.Unsubscribe(l.notifyChar, false); err != nil {
		l.logger.WithError(err).Debug("Unsubscribe failed")
	}
	return l.client.CancelConnection()
}
