// Package device drives equipment on a pool bus.
//
// A Loop polls one device on an interval, backing off exponentially while
// the device does not answer. Command sends a single request and waits for
// its outcome. Pump keeps a variable speed pump running in safe mode by
// re-issuing its run command before the pump's own timeout expires.
//
// The pollers in this package (HeaterPoller, ChlorinatorPoller and
// PumpStatusPoller) are small Loops around the request each device expects.
package device
