// Package device defines the BrickLab device model shared by the gateway:
//
//   - the 16-byte device identity and its text form
//   - bus address derivation
//   - device types, command kinds and their payload sizes
//   - per-type device state (a closed sum type)
//   - the error taxonomy used across the bus, registry and protocol layers
//
// Everything in this package is pure: no I/O and no locking.
package device
