package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/librescoot/rfid-service/pkg/facade"
	"github.com/librescoot/rfid-service/pkg/notify"
	"github.com/librescoot/rfid-service/pkg/rfid"
	"github.com/librescoot/rfid-service/pkg/serialport"
	"github.com/librescoot/rfid-service/pkg/sm6210"
	"github.com/librescoot/rfid-service/pkg/tagstore"
)

var (
	readerModel  = flag.String("model", "sm6210", "Initial reader model")
	serialDevice = flag.String("serial", "", "Substring matched against an enumerated port's description or name to pick the initial device; empty picks the first enumerated port")
	baudRate     = flag.Int("baud", 9600, "Initial baud rate")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting RFID service")
	log.Printf("Reader model: %s", *readerModel)
	log.Printf("Serial device pattern: %q", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	registry := rfid.NewRegistry()
	registry.Register("sm6210", func() rfid.Driver { return sm6210.New() })

	bus, err := notify.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer bus.Close()
	log.Printf("Connected to Redis")

	f, err := facade.New(registry, *readerModel, bus)
	if err != nil {
		log.Fatalf("Failed to construct facade: %v", err)
	}

	agg := tagstore.New(tagstore.RealClock{}, f)
	f.SetAggregator(agg)

	transport := serialport.New(f)
	f.SetTransport(transport)

	selectInitialDeviceAndBaud(f, *serialDevice, *baudRate)

	stopCommands := make(chan struct{})
	go bus.WatchCommands(stopCommands)

	f.Run()
	log.Printf("RFID facade running, tick interval %s", facade.TickInterval)

	f.ToggleConnection()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	close(stopCommands)
	f.Stop()
	log.Printf("Shutting down...")
}

// selectInitialDeviceAndBaud enumerates the currently attached ports once at
// startup and pre-selects the -serial/-baud flags against them, so that
// f.ToggleConnection can open a connection immediately instead of waiting
// for a host-issued setPort/setBaud/toggleConnection sequence. The ongoing
// device list the host sees is still driven by the Transport's own poll
// loop; this is only the facade's starting selection.
func selectInitialDeviceAndBaud(f *facade.Facade, pattern string, baud int) {
	devices, err := serialport.ListDevices()
	if err != nil {
		log.Printf("Initial device enumeration failed: %v", err)
	} else {
		f.DevicesChanged(devices)
		if index := matchDevice(devices, pattern); index >= 0 {
			if err := f.SetPort(index); err != nil {
				log.Printf("Failed to select initial port %d: %v", index, err)
			}
		} else if pattern != "" {
			log.Printf("No enumerated port matched -serial pattern %q", pattern)
		}
	}

	if index := baudIndex(baud); index >= 0 {
		if err := f.SetBaudRate(index); err != nil {
			log.Printf("Failed to select initial baud rate %d: %v", baud, err)
		}
	} else {
		log.Printf("Unsupported initial baud rate %d, keeping default", baud)
	}
}

// matchDevice returns the index of the first enumerated device whose
// description or port name contains pattern (case-insensitive), or the
// first device if pattern is empty. Returns -1 if nothing matches.
func matchDevice(devices []serialport.Device, pattern string) int {
	if pattern == "" {
		if len(devices) > 0 {
			return 0
		}
		return -1
	}
	pattern = strings.ToLower(pattern)
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Description), pattern) || strings.Contains(strings.ToLower(d.Port), pattern) {
			return i
		}
	}
	return -1
}

// baudIndex returns rfid.BaudRates' index for baud, or -1 if unsupported.
func baudIndex(baud int) int {
	want := strconv.Itoa(baud)
	for i, s := range rfid.BaudRates {
		if s == want {
			return i
		}
	}
	return -1
}
