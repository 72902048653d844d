// Package facade orchestrates Transport, Driver and Aggregator behind the
// small command surface a host drives: select a model, pick a port and
// baud rate, connect, and issue writes against the current tag.
package facade

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/librescoot/rfid-service/pkg/notify"
	"github.com/librescoot/rfid-service/pkg/rfid"
	"github.com/librescoot/rfid-service/pkg/serialport"
	"github.com/librescoot/rfid-service/pkg/tagstore"
)

// TickInterval is CURRENT_TAG_TIMEOUT / 50, the driver's scheduling period
// (spec.md §4.5).
const TickInterval = tagstore.CurrentTagTimeout / 50

// Publisher is the narrow surface of notify.Bus the Facade drives. Accepting
// an interface here, rather than *notify.Bus directly, keeps the facade
// testable without a live Redis connection.
type Publisher interface {
	SetCommands(c notify.Commands)
	Close() error
	PublishDevices(devices []notify.DeviceSnapshot)
	PublishConnection(connected bool)
	PublishBaudRate(baud int)
	PublishTagCount(count int)
	PublishCurrentTag(tag *notify.TagSnapshot)
	PublishTagUpdated(tag *notify.TagSnapshot)
	PublishConfirmationRequested(operation string)
	ClearState()
}

// pendingOperation is the one outstanding write/erase/kill/lock awaiting a
// confirm/reject from the host (spec.md §4.5).
type pendingOperation struct {
	kind    string
	payload []byte
}

// Facade is the single process-level struct wiring a Transport, a Driver
// and an Aggregator together, grounded on service.Service's role in the
// teacher.
type Facade struct {
	mu sync.Mutex

	registry *rfid.Registry
	driver   rfid.Driver
	modelName string

	transport *serialport.Transport
	agg       *tagstore.Aggregator
	bus       Publisher

	devices           []serialport.Device
	selectedDevice    int
	selectedBaudIndex int

	pending *pendingOperation

	stop   chan struct{}
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// New resolves the initial driver model and returns a Facade with no
// Transport or Aggregator wired yet; call SetTransport and SetAggregator
// before Run, mirroring service.Service's New/SetUSock split.
func New(registry *rfid.Registry, modelName string, bus Publisher) (*Facade, error) {
	driver, err := registry.NewDriver(modelName)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		registry:          registry,
		driver:            driver,
		modelName:         modelName,
		bus:               bus,
		selectedDevice:    -1,
		selectedBaudIndex: defaultBaudIndex(),
		stop:              make(chan struct{}),
	}
	bus.SetCommands(f)
	return f, nil
}

func defaultBaudIndex() int {
	for i, s := range rfid.BaudRates {
		if s == "9600" {
			return i
		}
	}
	return 0
}

// SetTransport wires the Transport in. The Transport must have been
// constructed with this Facade as its Sink.
func (f *Facade) SetTransport(t *serialport.Transport) {
	f.mu.Lock()
	f.transport = t
	f.mu.Unlock()
}

// SetAggregator wires the Aggregator in. The Aggregator must have been
// constructed with this Facade as its Sink.
func (f *Facade) SetAggregator(a *tagstore.Aggregator) {
	f.mu.Lock()
	f.agg = a
	f.mu.Unlock()
}

// Run starts the tick loop goroutine. Call once, after SetTransport and
// SetAggregator.
func (f *Facade) Run() {
	f.ticker = time.NewTicker(TickInterval)
	f.wg.Add(1)
	go f.tickLoop()
}

// Stop halts the tick loop and shuts down the wired Transport and Bus.
func (f *Facade) Stop() {
	close(f.stop)
	if f.ticker != nil {
		f.ticker.Stop()
	}
	f.wg.Wait()

	f.mu.Lock()
	transport := f.transport
	f.mu.Unlock()
	if transport != nil {
		transport.Shutdown()
	}
	if f.bus != nil {
		if err := f.bus.Close(); err != nil {
			log.Printf("facade: error closing notify bus: %v", err)
		}
	}
}

func (f *Facade) tickLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case <-f.ticker.C:
			f.tick()
		}
	}
}

func (f *Facade) tick() {
	f.mu.Lock()
	transport := f.transport
	agg := f.agg
	driver := f.driver
	f.mu.Unlock()

	if transport == nil || agg == nil || driver == nil {
		return
	}

	driver.SetHasCurrentTag(agg.HasCurrentTag())
	driver.Tick(transport, transport.Status())
}

// --- serialport.Sink ---

// DevicesChanged implements serialport.Sink.
func (f *Facade) DevicesChanged(devices []serialport.Device) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()

	snapshots := make([]notify.DeviceSnapshot, len(devices))
	for i, d := range devices {
		snapshots[i] = notify.DeviceSnapshot{Description: d.Description, Port: d.Port}
	}
	f.bus.PublishDevices(snapshots)
}

// ConnectionChanged implements serialport.Sink. Disconnecting resets the
// driver and clears history (spec.md §3: history is cleared implicitly
// when the driver is swapped or reconnected, not just on an explicit
// ClearHistory command).
func (f *Facade) ConnectionChanged(connected bool) {
	if !connected {
		f.mu.Lock()
		if f.driver != nil {
			f.driver.Reset()
		}
		agg := f.agg
		f.mu.Unlock()

		if agg != nil {
			agg.ClearHistory()
		}
		f.bus.ClearState()
	}
	f.bus.PublishConnection(connected)
}

// BaudRateChanged implements serialport.Sink.
func (f *Facade) BaudRateChanged(baud int) {
	f.bus.PublishBaudRate(baud)
}

// DataSent implements serialport.Sink. Byte-level traffic is not mirrored
// to the host; only the higher-level events it produces are.
func (f *Facade) DataSent(n int) {}

// DataReceived implements serialport.Sink: hand the bytes to the driver,
// which classifies them and feeds the Aggregator synchronously (spec.md
// §4.3's ingress algorithm).
func (f *Facade) DataReceived(b []byte) {
	f.mu.Lock()
	transport := f.transport
	driver := f.driver
	agg := f.agg
	f.mu.Unlock()

	if transport == nil || driver == nil || agg == nil {
		return
	}
	driver.Ingress(b, transport.Status(), transport, agg)
}

// --- tagstore.Sink ---

func snapshotOf(t *tagstore.Tag) *notify.TagSnapshot {
	if t == nil {
		return nil
	}
	return &notify.TagSnapshot{TID: t.TID, EPC: t.EPC, RFU: t.RFU, User: t.User}
}

// TagCountChanged implements tagstore.Sink.
func (f *Facade) TagCountChanged(count int) { f.bus.PublishTagCount(count) }

// CurrentTagChanged implements tagstore.Sink.
func (f *Facade) CurrentTagChanged(current *tagstore.Tag) {
	f.bus.PublishCurrentTag(snapshotOf(current))
}

// TagUpdated implements tagstore.Sink.
func (f *Facade) TagUpdated(tag *tagstore.Tag) {
	f.bus.PublishTagUpdated(snapshotOf(tag))
}

// --- notify.Commands ---

// SelectReaderModel implements notify.Commands: swap the active driver and
// discard history, since the banks a different reader model reports are
// not comparable to the old driver's in-flight record.
func (f *Facade) SelectReaderModel(name string) error {
	driver, err := f.registry.NewDriver(name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.driver = driver
	f.modelName = name
	agg := f.agg
	f.mu.Unlock()

	if agg != nil {
		agg.ClearHistory()
	}
	f.bus.ClearState()
	return nil
}

// SetPort implements notify.Commands: records the selection against the
// most recently published device snapshot; it takes effect on the next
// ToggleConnection.
func (f *Facade) SetPort(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.devices) {
		return rfid.ErrPortUnavailable("SetPort", nil)
	}
	f.selectedDevice = index
	return nil
}

// SetBaudRate implements notify.Commands: records the selection and, if a
// connection is live, applies it immediately.
func (f *Facade) SetBaudRate(index int) error {
	if index < 0 || index >= len(rfid.BaudRates) {
		return fmt.Errorf("baud index %d out of range", index)
	}
	baud, err := strconv.Atoi(rfid.BaudRates[index])
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.selectedBaudIndex = index
	transport := f.transport
	f.mu.Unlock()

	if transport != nil && transport.Status().Connected {
		return transport.SetBaudRate(baud)
	}
	return nil
}

// ToggleConnection implements notify.Commands: close the live connection,
// or open one against the currently selected device/baud rate.
func (f *Facade) ToggleConnection() {
	f.mu.Lock()
	transport := f.transport
	deviceIndex := f.selectedDevice
	baudIndex := f.selectedBaudIndex
	driver := f.driver
	f.mu.Unlock()

	if transport == nil {
		return
	}

	if transport.Status().Connected {
		transport.Close(false)
		return
	}

	baud, err := strconv.Atoi(rfid.BaudRates[baudIndex])
	if err != nil {
		log.Printf("facade: invalid selected baud index %d: %v", baudIndex, err)
		return
	}
	if err := transport.Open(deviceIndex, baud); err != nil {
		log.Printf("facade: failed to open device %d at %d baud: %v", deviceIndex, baud, err)
		return
	}
	if driver != nil {
		driver.Reset()
	}

	f.mu.Lock()
	agg := f.agg
	f.mu.Unlock()
	if agg != nil {
		agg.ClearHistory()
	}
	f.bus.ClearState()
}

// ClearHistory implements notify.Commands.
func (f *Facade) ClearHistory() {
	f.mu.Lock()
	agg := f.agg
	f.mu.Unlock()
	if agg != nil {
		agg.ClearHistory()
	}
	f.bus.ClearState()
}

// requestConfirmation stores a pending destructive operation and notifies
// the host, replacing any previously pending operation (spec.md §4.5).
func (f *Facade) requestConfirmation(kind string, payload []byte) error {
	f.mu.Lock()
	f.pending = &pendingOperation{kind: kind, payload: payload}
	f.mu.Unlock()
	f.bus.PublishConfirmationRequested(kind)
	return nil
}

// WriteEpc implements notify.Commands.
func (f *Facade) WriteEpc(payload []byte) error { return f.requestConfirmation("write-epc", payload) }

// WriteRfu implements notify.Commands.
func (f *Facade) WriteRfu(payload []byte) error { return f.requestConfirmation("write-rfu", payload) }

// WriteUser implements notify.Commands.
func (f *Facade) WriteUser(payload []byte) error {
	return f.requestConfirmation("write-user", payload)
}

// EraseTag implements notify.Commands.
func (f *Facade) EraseTag() error { return f.requestConfirmation("erase", nil) }

// KillTag implements notify.Commands.
func (f *Facade) KillTag() error { return f.requestConfirmation("kill", nil) }

// LockTag implements notify.Commands.
func (f *Facade) LockTag() error { return f.requestConfirmation("lock", nil) }

// Confirm implements notify.Commands: execute or discard the pending
// operation.
func (f *Facade) Confirm(accept bool) {
	f.mu.Lock()
	op := f.pending
	f.pending = nil
	transport := f.transport
	driver := f.driver
	f.mu.Unlock()

	if op == nil {
		log.Println("facade: confirm received with no pending operation")
		return
	}
	if !accept {
		log.Printf("facade: operation %q rejected by host", op.kind)
		return
	}
	if transport == nil || driver == nil {
		log.Printf("facade: cannot execute %q, not wired", op.kind)
		return
	}

	var (
		ok  bool
		err error
	)
	switch op.kind {
	case "write-epc":
		ok, err = driver.WriteEpc(transport, op.payload)
	case "write-rfu":
		ok, err = driver.WriteRfu(transport, op.payload)
	case "write-user":
		ok, err = driver.WriteUser(transport, op.payload)
	case "erase":
		ok, err = driver.EraseTag(transport)
	case "kill":
		err = driver.KillTag()
	case "lock":
		err = driver.LockTag()
	default:
		log.Printf("facade: unknown pending operation %q", op.kind)
		return
	}

	if err != nil {
		log.Printf("facade: operation %q failed: %v", op.kind, err)
		return
	}
	log.Printf("facade: operation %q completed, ok=%v", op.kind, ok)
}

var _ serialport.Sink = (*Facade)(nil)
var _ tagstore.Sink = (*Facade)(nil)
var _ notify.Commands = (*Facade)(nil)
var _ Publisher = (*notify.Bus)(nil)
