// Package serialport owns the one open connection to the RFID reader: port
// enumeration, connect/disconnect, and a blocking read loop that hands raw
// byte chunks to a Sink without doing any framing itself.
package serialport

import (
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/librescoot/rfid-service/pkg/rfid"
)

// DevicePollInterval is the cadence at which the port list is re-enumerated
// (spec.md §4.1).
const DevicePollInterval = 1 * time.Second

// Device is one enumerated serial port.
type Device struct {
	Description string
	Port        string
}

// Sink receives Transport events, replacing the signal/slot graph the
// source used (spec.md §9 Design Notes).
type Sink interface {
	DevicesChanged(devices []Device)
	ConnectionChanged(connected bool)
	BaudRateChanged(baud int)
	DataSent(n int)
	DataReceived(b []byte)
}

// Transport owns at most one open serial.Port at a time.
type Transport struct {
	sink Sink

	mu        sync.Mutex
	port      serial.Port
	connected bool
	baudRate  int
	devices   []Device

	stopPoll chan struct{}
	stopRead chan struct{}
	wg       sync.WaitGroup
}

// New returns a Transport with no open connection. It immediately starts
// the device-poll loop.
func New(sink Sink) *Transport {
	t := &Transport{sink: sink, stopPoll: make(chan struct{})}
	t.wg.Add(1)
	go t.pollLoop()
	return t
}

// ListBaudRates returns the platform's standard baud-rate set (spec.md
// §4.1), delegating to the registry's canonical list.
func ListBaudRates() []string {
	out := make([]string, len(rfid.BaudRates))
	copy(out, rfid.BaudRates)
	return out
}

// ListDevices enumerates serial ports via the USB descriptor, the
// (description, port-name) pairs spec.md §4.1 asks `listDevices()` to
// return.
func ListDevices() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, rfid.ErrPortUnavailable("ListDevices", err)
	}
	out := make([]Device, 0, len(ports))
	for _, p := range ports {
		desc := p.Product
		if desc == "" {
			desc = p.Name
		}
		out = append(out, Device{Description: desc, Port: p.Name})
	}
	return out, nil
}

func (t *Transport) pollLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(DevicePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopPoll:
			return
		case <-ticker.C:
			devices, err := ListDevices()
			if err != nil {
				log.Printf("serialport: device enumeration failed: %v", err)
				continue
			}
			if devicesChanged(t.snapshotDevices(), devices) {
				t.mu.Lock()
				t.devices = devices
				t.mu.Unlock()
				if t.sink != nil {
					t.sink.DevicesChanged(devices)
				}
			}
		}
	}
}

func (t *Transport) snapshotDevices() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Device(nil), t.devices...)
}

func devicesChanged(a, b []Device) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// Open disconnects any prior connection and opens deviceIndex at baudRate.
func (t *Transport) Open(deviceIndex int, baudRate int) error {
	t.mu.Lock()
	devices := t.devices
	t.mu.Unlock()

	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return rfid.ErrPortUnavailable("Open", nil)
	}
	devicePath := devices[deviceIndex].Port

	t.Close(true)

	mode := &serial.Mode{BaudRate: baudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return rfid.ErrOpenFailed("Open", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.baudRate = baudRate
	t.stopRead = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(port, t.stopRead)

	if t.sink != nil {
		t.sink.ConnectionChanged(true)
	}
	return nil
}

// Close disconnects the live connection, if any, and notifies
// ConnectionChanged(false) if one was open. silent has no effect: both
// values close the port and notify alike, and no separate user-visible
// notice is raised for silent=false.
func (t *Transport) Close(silent bool) {
	t.mu.Lock()
	port := t.port
	stopRead := t.stopRead
	wasConnected := t.connected
	t.port = nil
	t.connected = false
	t.stopRead = nil
	t.mu.Unlock()

	if stopRead != nil {
		close(stopRead)
	}
	if port != nil {
		port.Close()
	}

	if wasConnected && t.sink != nil {
		t.sink.ConnectionChanged(false)
	}
	_ = silent
}

// SetBaudRate applies to the live connection if any, and always notifies.
func (t *Transport) SetBaudRate(baud int) error {
	t.mu.Lock()
	t.baudRate = baud
	port := t.port
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.SetMode(&serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	}
	if t.sink != nil {
		t.sink.BaudRateChanged(baud)
	}
	return err
}

// Write submits bytes to the live connection. It returns the number of
// bytes the kernel accepted; -1 means not connected.
func (t *Transport) Write(b []byte) (int, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return -1, rfid.ErrNotLoaded("Write")
	}
	n, err := port.Write(b)
	if t.sink != nil {
		t.sink.DataSent(n)
	}
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, rfid.ErrWriteShort("Write", n, len(b))
	}
	return n, nil
}

// Status reports the subset of connection state rfid.Driver needs.
func (t *Transport) Status() rfid.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return rfid.ConnectionStatus{Connected: t.connected, BaudRate: t.baudRate}
}

func (t *Transport) readLoop(port serial.Port, stop chan struct{}) {
	defer t.wg.Done()
	buf := make([]byte, 512)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			t.mu.Lock()
			stillMine := t.port == port
			t.port = nil
			t.connected = false
			t.mu.Unlock()
			if stillMine && t.sink != nil {
				t.sink.ConnectionChanged(false)
			}
			return
		}
		if n == 0 {
			continue
		}
		if t.sink != nil {
			t.sink.DataReceived(append([]byte(nil), buf[:n]...))
		}
	}
}

// Shutdown stops the device poll loop and closes any live connection. Call
// once, at process exit.
func (t *Transport) Shutdown() {
	close(t.stopPoll)
	t.Close(true)
	t.wg.Wait()
}
