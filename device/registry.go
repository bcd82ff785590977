package device

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrDuplicateDevice is returned when a loop name or pump address is registered twice.
var ErrDuplicateDevice = errors.New("poolbus: device already registered")

// Registry holds the loops and pump controllers of one bus.
type Registry struct {
	loops *xsync.MapOf[string, *Loop]
	pumps *xsync.MapOf[byte, *Pump]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		loops: xsync.NewMapOf[string, *Loop](),
		pumps: xsync.NewMapOf[byte, *Pump](),
	}
}

// AddLoop registers l under its name.
func (r *Registry) AddLoop(l *Loop) error {
	if _, loaded := r.loops.LoadOrStore(l.Name(), l); loaded {
		return fmt.Errorf("%w: loop %q", ErrDuplicateDevice, l.Name())
	}

	return nil
}

// AddPump registers p under its address.
func (r *Registry) AddPump(p *Pump) error {
	if _, loaded := r.pumps.LoadOrStore(p.Address(), p); loaded {
		return fmt.Errorf("%w: pump %d", ErrDuplicateDevice, p.Address())
	}

	return nil
}

// Loop returns the loop registered as name.
func (r *Registry) Loop(name string) (*Loop, bool) {
	return r.loops.Load(name)
}

// Pump returns the pump at addr.
func (r *Registry) Pump(addr byte) (*Pump, bool) {
	return r.pumps.Load(addr)
}

// Loops returns the registered loops ordered by name.
func (r *Registry) Loops() []*Loop {
	loops := make([]*Loop, 0, r.loops.Size())
	r.loops.Range(func(_ string, l *Loop) bool {
		loops = append(loops, l)
		return true
	})
	slices.SortFunc(loops, func(a, b *Loop) int { return strings.Compare(a.Name(), b.Name()) })

	return loops
}

// Pumps returns the registered pumps ordered by address.
func (r *Registry) Pumps() []*Pump {
	pumps := make([]*Pump, 0, r.pumps.Size())
	r.pumps.Range(func(_ byte, p *Pump) bool {
		pumps = append(pumps, p)
		return true
	})
	slices.SortFunc(pumps, func(a, b *Pump) int { return int(a.Address()) - int(b.Address()) })

	return pumps
}

// Start starts every registered loop that is not running yet.
func (r *Registry) Start() error {
	var errs []error
	for _, l := range r.Loops() {
		if err := l.Start(); err != nil && !errors.Is(err, ErrLoopStarted) {
			errs = append(errs, fmt.Errorf("start %s: %w", l.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Close closes every loop and pump controller and empties the registry.
// Pumps are left in their current state.
func (r *Registry) Close() error {
	var errs []error
	for _, l := range r.Loops() {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		r.loops.Delete(l.Name())
	}
	for _, p := range r.Pumps() {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		r.pumps.Delete(p.Address())
	}

	return errors.Join(errs...)
}
