// Package control applies typed device commands: it validates them against the registry,
// updates the stored state and puts the matching transaction on the bus.
//
// Direct SET_DEVICE_STATE requests and scripts both go through a Controller, so a device
// is driven the same way whichever path the operator takes.
package control

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
)

// Dispatcher is the bus side of a Controller
type Dispatcher interface {
	Send(ctx context.Context, cmd device.Command) error
	Query(ctx context.Context, cmd device.Command) ([]byte, error)
}

// Store is the registry side of a Controller
type Store interface {
	Find(id device.Identity) (registry.Record, error)
	FindByText(s string) (registry.Record, error)
	MutateState(id device.Identity, fn func(device.State) (device.State, error)) (registry.Record, error)
	Records() []registry.Record
}

// Controller drives devices on behalf of the control plane and the script sandbox
type Controller struct {
	store  Store
	bus    Dispatcher
	logger *logrus.Logger
}

func New(store Store, bus Dispatcher, logger *logrus.Logger) *Controller {
	return &Controller{store: store, bus: bus, logger: logger}
}

// Lookup resolves an identity text form to its record
func (c *Controller) Lookup(text string) (registry.Record, error) {
	return c.store.FindByText(text)
}

// Find resolves an identity to its record
func (c *Controller) Find(id device.Identity) (registry.Record, error) {
	return c.store.Find(id)
}

// Devices returns every known record in discovery order
func (c *Controller) Devices() []registry.Record {
	return c.store.Records()
}

// Apply validates kind and fields against the device's type, stores the new state and sends it.
// SENSOR_GET_CM is a read: the distance is queried from the bus and stored once it arrives.
//
// The state is stored before the transaction so the payload on the wire always matches the
// registry. A bus failure is returned as *device.TransportError and leaves the device online;
// the next scan cycle decides its presence.
func (c *Controller) Apply(ctx context.Context, id device.Identity, kind device.CommandKind, fields []int) (registry.Record, error) {
	if err := ctx.Err(); err != nil {
		return registry.Record{}, err
	}
	rec, err := c.store.Find(id)
	if err != nil {
		return registry.Record{}, err
	}

	next, err := device.NewState(rec.Type, kind, fields)
	if err != nil {
		return registry.Record{}, err
	}

	if kind == device.CmdSensorGetCM {
		return c.readDistance(ctx, rec)
	}

	rec, err = c.store.MutateState(id, func(device.State) (device.State, error) {
		return next, nil
	})
	if err != nil {
		return registry.Record{}, err
	}

	cmd := device.NewCommand(id, rec.Address, next)
	if err := c.bus.Send(ctx, cmd); err != nil {
		return rec, err
	}

	c.logger.WithFields(logrus.Fields{
		"uuid":    id.String(),
		"address": rec.Address.String(),
		"command": kind.String(),
		"state":   next.String(),
	}).Info("Device state applied")
	return rec, nil
}

func (c *Controller) readDistance(ctx context.Context, rec registry.Record) (registry.Record, error) {
	cmd := device.Command{Kind: device.CmdSensorGetCM, Target: rec.Identity, Address: rec.Address}
	raw, err := c.bus.Query(ctx, cmd)
	if err != nil {
		return rec, err
	}
	dist, err := device.DecodeDistance(raw)
	if err != nil {
		return rec, err
	}

	rec, err = c.store.MutateState(rec.Identity, func(device.State) (device.State, error) {
		return dist, nil
	})
	if err != nil {
		return registry.Record{}, err
	}
	c.logger.WithFields(logrus.Fields{
		"uuid":     rec.Identity.String(),
		"distance": dist.Centimeters,
	}).Debug("Distance read")
	return rec, nil
}
