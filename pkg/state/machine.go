// Package state holds the live status of every known VM.
//
// A VM moves NotRunning -> InFlux -> Running -> InFlux -> NotRunning. Only
// the holder of the Operation returned by Begin may move a VM once it left
// NotRunning, which is how the task that started a VM keeps exclusive
// control over it until its processes are gone. VMs owned by another
// process follow the status observed on the filesystem through Seed.
// Every transition is queued for each subscriber and delivered in order,
// posting never waits for a subscriber.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	berrors "bubbles/pkg/errors"
	"bubbles/pkg/models"
)

type entry struct {
	status models.VMStatus
	op     *Operation
}

// subscriber queues events without bound and hands them to ch from its
// own goroutine, so a subscriber that stops reading only delays itself.
type subscriber struct {
	ch     chan models.StatusEvent
	done   chan struct{}
	notify chan struct{}

	mu    sync.Mutex
	queue []models.StatusEvent
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:     make(chan models.StatusEvent),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (s *subscriber) post(event models.StatusEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (models.StatusEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return models.StatusEvent{}, false
	}

	event := s.queue[0]
	s.queue[0] = models.StatusEvent{}
	s.queue = s.queue[1:]

	return event, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}

		for {
			event, ok := s.next()
			if !ok {
				break
			}

			select {
			case s.ch <- event:
			case <-s.done:
				return
			}
		}
	}
}

// Machine is the owner of all VM status.
type Machine struct {
	mu    sync.Mutex
	vms   map[string]*entry
	subs  map[*subscriber]struct{}
	clock func() time.Time
}

func New(clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}

	return &Machine{
		vms:   map[string]*entry{},
		subs:  map[*subscriber]struct{}{},
		clock: clock,
	}
}

// Seed records the status of vm as observed on the filesystem. A VM held
// by an operation of this machine keeps its status. Any other VM takes the
// observed status, and subscribers see the change when the VM was known
// already. The current status is returned.
func (m *Machine) Seed(vm string, status models.VMStatus) models.VMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vms[vm]
	if !ok {
		m.vms[vm] = &entry{status: status}

		return status
	}

	if e.op == nil && e.status != status {
		e.status = status
		m.publish(vm, status, nil)
	}

	return e.status
}

// Status returns the status of vm and whether the machine knows it.
func (m *Machine) Status(vm string) (models.VMStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vms[vm]
	if !ok {
		return models.NotRunning, false
	}

	return e.status, true
}

// Busy reports whether an operation holds vm.
func (m *Machine) Busy(vm string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vms[vm]

	return ok && e.op != nil
}

// Begin moves a NotRunning vm to InFlux and returns the operation that owns
// it from now on.
func (m *Machine) Begin(vm string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(vm)

	switch {
	case e.op != nil || e.status == models.InFlux:
		return nil, berrors.ErrVMBusy
	case e.status == models.Running:
		return nil, berrors.ErrVMAlreadyRunning
	}

	op := &Operation{ID: uuid.New(), VM: vm, machine: m}
	e.op = op
	m.transition(vm, e, models.InFlux, nil)

	return op, nil
}

// Subscribe returns a channel receiving every transition from now on. The
// returned function stops the subscription.
func (m *Machine) Subscribe() (<-chan models.StatusEvent, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()

	var once sync.Once

	return sub.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(sub.done)
		})
	}
}

// entry must be called with m.mu held.
func (m *Machine) entry(vm string) *entry {
	e, ok := m.vms[vm]
	if !ok {
		e = &entry{status: models.NotRunning}
		m.vms[vm] = e
	}

	return e
}

// transition must be called with m.mu held.
func (m *Machine) transition(vm string, e *entry, status models.VMStatus, err error) {
	previous := e.status
	e.status = status

	recordTransition(previous, status)
	m.publish(vm, status, err)
}

// publish must be called with m.mu held. It never blocks.
func (m *Machine) publish(vm string, status models.VMStatus, err error) {
	event := models.StatusEvent{
		VM:     vm,
		Status: status,
		Err:    err,
		Time:   m.clock(),
	}

	for sub := range m.subs {
		sub.post(event)
	}
}

// Operation is the exclusive right to move one VM between states.
type Operation struct {
	ID      uuid.UUID
	VM      string
	machine *Machine
}

// Running confirms the guest is ready. The VM must be InFlux.
func (o *Operation) Running() error {
	return o.move(models.InFlux, models.Running, nil)
}

// Stopping marks a Running VM as being stopped.
func (o *Operation) Stopping() error {
	return o.move(models.Running, models.InFlux, nil)
}

// NotRunning ends the operation. err is attached to the event when the
// operation failed.
func (o *Operation) NotRunning(err error) error {
	m := o.machine

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(o.VM)
	if e.op != o {
		return berrors.ErrNotOperationOwner
	}

	e.op = nil
	m.transition(o.VM, e, models.NotRunning, err)

	return nil
}

// Status returns the current status of the operation's VM.
func (o *Operation) Status() models.VMStatus {
	status, _ := o.machine.Status(o.VM)

	return status
}

func (o *Operation) move(from, to models.VMStatus, err error) error {
	m := o.machine

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(o.VM)
	if e.op != o {
		return berrors.ErrNotOperationOwner
	}

	if e.status != from {
		return berrors.NewInvalidTransition(o.VM, e.status.String(), to.String())
	}

	m.transition(o.VM, e, to, err)

	return nil
}
