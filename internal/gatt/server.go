// Package gatt publishes the gateway's control plane as a BLE GATT service.
//
// Clients write packets to the write characteristic and receive answers as notifications on
// the notify characteristic. Every connected subscriber gets every notification.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/protocol"
)

var (
	// ServiceUUID identifies the gateway service
	ServiceUUID = ble.UUID16(0xFF00)
	// NotifyCharUUID carries gateway → client packets
	NotifyCharUUID = ble.UUID16(0xFF01)
	// WriteCharUUID carries client → gateway packets
	WriteCharUUID = ble.UUID16(0xFF02)
)

// ErrNoSubscribers is returned by Notify when nobody is listening
var ErrNoSubscribers = errors.New("no notification subscribers")

// PacketHandler consumes packets written by clients. It must return quickly.
type PacketHandler interface {
	HandlePacket(b []byte)
}

type subscriber struct {
	mu sync.Mutex // one notification in flight per subscriber
	n  ble.Notifier
}

// Server implements the GATT side of the control plane
type Server struct {
	handler     PacketHandler
	logger      *logrus.Logger
	subscribers *hashmap.Map[string, *subscriber]
}

func NewServer(handler PacketHandler, logger *logrus.Logger) *Server {
	return &Server{
		handler:     handler,
		logger:      logger,
		subscribers: hashmap.New[string, *subscriber](),
	}
}

// Service builds the GATT service definition wired to this server
func (s *Server) Service() *ble.Service {
	svc := ble.NewService(ServiceUUID)
	svc.NewCharacteristic(NotifyCharUUID).HandleNotify(ble.NotifyHandlerFunc(s.handleNotify))
	svc.NewCharacteristic(WriteCharUUID).HandleWrite(ble.WriteHandlerFunc(s.handleWrite))
	return svc
}

// Serve registers the service on the local adapter and advertises it under name until ctx is done
func (s *Server) Serve(ctx context.Context, name string) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to open BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	defer func() {
		if err := dev.Stop(); err != nil {
			s.logger.WithError(err).Debug("BLE device stop failed")
		}
	}()

	if err := ble.AddService(s.Service()); err != nil {
		return fmt.Errorf("failed to add GATT service: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"name":    name,
		"service": ServiceUUID.String(),
	}).Info("Advertising gateway service")

	err = ble.AdvertiseNameAndServices(ctx, name, ServiceUUID)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("advertising stopped: %w", err)
	}
	return nil
}

func (s *Server) handleWrite(req ble.Request, _ ble.ResponseWriter) {
	data := req.Data()
	packet := make([]byte, len(data))
	copy(packet, data)

	s.logger.WithFields(logrus.Fields{
		"remote": remoteAddr(req),
		"bytes":  len(packet),
	}).Debug("Packet received")
	s.handler.HandlePacket(packet)
}

// handleNotify holds a subscription open until the client unsubscribes or disconnects
func (s *Server) handleNotify(req ble.Request, n ble.Notifier) {
	key := remoteAddr(req)
	s.subscribers.Set(key, &subscriber{n: n})
	s.logger.WithFields(logrus.Fields{
		"remote": key,
		"cap":    n.Cap(),
	}).Info("Client subscribed")

	<-n.Context().Done()

	s.subscribers.Del(key)
	s.logger.WithField("remote", key).Info("Client unsubscribed")
}

// Notify sends packet to every subscriber. It fails only when no subscriber received it.
func (s *Server) Notify(packet []byte) error {
	if len(packet) > protocol.MaxNotification {
		return fmt.Errorf("notification of %d bytes exceeds %d", len(packet), protocol.MaxNotification)
	}

	delivered := 0
	var lastErr error
	s.subscribers.Range(func(key string, sub *subscriber) bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()

		if c := sub.n.Cap(); c > 0 && len(packet) > c {
			s.logger.WithFields(logrus.Fields{
				"remote": key,
				"bytes":  len(packet),
				"cap":    c,
			}).Warn("Notification larger than the negotiated MTU, the client may see it truncated")
		}
		if _, err := sub.n.Write(packet); err != nil {
			lastErr = err
			s.logger.WithFields(logrus.Fields{
				"remote": key,
				"error":  err,
			}).Warn("Notification failed")
			return true
		}
		delivered++
		return true
	})

	switch {
	case delivered > 0:
		return nil
	case lastErr != nil:
		return lastErr
	default:
		return ErrNoSubscribers
	}
}

// Subscribers returns the number of clients listening for notifications
func (s *Server) Subscribers() int {
	return s.subscribers.Len()
}

func remoteAddr(req ble.Request) string {
	if req == nil || req.Conn() == nil || req.Conn().RemoteAddr() == nil {
		return "unknown"
	}
	return req.Conn().RemoteAddr().String()
}
