// Package notify realizes the "hosting process" the RFID core assumes as a
// concrete Redis client: it mirrors state into a hash, publishes events on
// a channel, and watches a command list on behalf of the facade.
package notify

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Redis keys/channel/list names the bus speaks on (spec.md §4.7).
const (
	KeyRFID          = "rfid"
	ListRFIDCommands = "rfid:commands"
)

// TagSnapshot is the wire shape a tag record takes once it leaves
// pkg/tagstore and crosses into CBOR payloads.
type TagSnapshot struct {
	TID  []byte   `cbor:"tid"`
	EPC  []byte   `cbor:"epc"`
	RFU  []byte   `cbor:"rfu"`
	User [4][]byte `cbor:"user"`
}

// DeviceSnapshot is the wire shape of one enumerated serial port.
type DeviceSnapshot struct {
	Description string `cbor:"description"`
	Port        string `cbor:"port"`
}

// Commands is the facade surface the command watcher dispatches to. The
// facade implements this; the bus only knows how to parse list entries into
// calls on it.
type Commands interface {
	SelectReaderModel(name string) error
	SetPort(index int) error
	SetBaudRate(index int) error
	ToggleConnection()
	ClearHistory()
	WriteEpc(payload []byte) error
	WriteRfu(payload []byte) error
	WriteUser(payload []byte) error
	EraseTag() error
	KillTag() error
	LockTag() error
	Confirm(accept bool)
}

// Bus is a thin Redis client, grounded on the teacher's pkg/redis.Client:
// the same HSet/Publish pipeline, the same BRPop-driven command watcher.
type Bus struct {
	client   *redis.Client
	ctx      context.Context
	commands Commands
}

// New connects to Redis at addr, failing fast the same way the teacher's
// pkg/redis.New does (a Ping before returning).
func New(addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Bus{client: client, ctx: ctx}, nil
}

// SetCommands wires the facade in as the command watcher's dispatch target.
// Separate from New because the facade is itself constructed with a Bus.
func (b *Bus) SetCommands(c Commands) { b.commands = c }

// Close closes the underlying Redis connection.
func (b *Bus) Close() error { return b.client.Close() }

// WriteString mirrors one scalar field into the rfid hash without
// publishing it.
func (b *Bus) WriteString(field, value string) error {
	return b.client.HSet(b.ctx, KeyRFID, field, value).Err()
}

// WriteAndPublishString mirrors one scalar field and announces the change
// on the rfid channel, exactly like WriteAndPublishString in the teacher.
func (b *Bus) WriteAndPublishString(field, value string) error {
	pipe := b.client.Pipeline()
	pipe.HSet(b.ctx, KeyRFID, field, value)
	pipe.Publish(b.ctx, KeyRFID, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(b.ctx)
	return err
}

// WriteAndPublishInt is WriteAndPublishString's integer counterpart.
func (b *Bus) WriteAndPublishInt(field string, value int) error {
	pipe := b.client.Pipeline()
	pipe.HSet(b.ctx, KeyRFID, field, value)
	pipe.Publish(b.ctx, KeyRFID, fmt.Sprintf("%s:%d", field, value))
	_, err := pipe.Exec(b.ctx)
	return err
}

// writeAndPublishCBOR is the structured counterpart of writeUARTMessage:
// build a map, marshal it to CBOR, hex-encode it for the wire, hex-log it,
// mirror it into the hash and publish it.
func (b *Bus) writeAndPublishCBOR(field string, payload interface{}) error {
	data, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal CBOR for field %s: %w", field, err)
	}
	encoded := hex.EncodeToString(data)
	log.Printf("notify: publishing %s: %s", field, encoded)

	pipe := b.client.Pipeline()
	pipe.HSet(b.ctx, KeyRFID, field, encoded)
	pipe.Publish(b.ctx, KeyRFID, fmt.Sprintf("%s:%s", field, encoded))
	_, err = pipe.Exec(b.ctx)
	return err
}

// PublishTagCount mirrors the history length.
func (b *Bus) PublishTagCount(count int) {
	if err := b.WriteAndPublishInt("tag-count", count); err != nil {
		log.Printf("notify: failed to publish tag-count: %v", err)
	}
}

// PublishCurrentTag mirrors the current tag, or its absence.
func (b *Bus) PublishCurrentTag(tag *TagSnapshot) {
	if tag == nil {
		if err := b.WriteAndPublishString("current-tag", ""); err != nil {
			log.Printf("notify: failed to publish current-tag clear: %v", err)
		}
		return
	}
	if err := b.writeAndPublishCBOR("current-tag", tag); err != nil {
		log.Printf("notify: failed to publish current-tag: %v", err)
	}
}

// PublishTagUpdated announces a refinement of the current tag's fields.
func (b *Bus) PublishTagUpdated(tag *TagSnapshot) {
	if err := b.writeAndPublishCBOR("tag-updated", tag); err != nil {
		log.Printf("notify: failed to publish tag-updated: %v", err)
	}
}

// PublishDevices mirrors the enumerated serial port list.
func (b *Bus) PublishDevices(devices []DeviceSnapshot) {
	if err := b.writeAndPublishCBOR("devices", devices); err != nil {
		log.Printf("notify: failed to publish devices: %v", err)
	}
}

// PublishConnection mirrors the transport's connected flag.
func (b *Bus) PublishConnection(connected bool) {
	value := "0"
	if connected {
		value = "1"
	}
	if err := b.WriteAndPublishString("connected", value); err != nil {
		log.Printf("notify: failed to publish connected: %v", err)
	}
}

// PublishBaudRate mirrors the active baud rate.
func (b *Bus) PublishBaudRate(baud int) {
	if err := b.WriteAndPublishInt("baud-rate", baud); err != nil {
		log.Printf("notify: failed to publish baud-rate: %v", err)
	}
}

// PublishConfirmationRequested announces that the facade is waiting on a
// confirmation for a pending write, erase, kill or lock, naming which one.
func (b *Bus) PublishConfirmationRequested(operation string) {
	if err := b.WriteAndPublishString("confirmation-pending", operation); err != nil {
		log.Printf("notify: failed to publish confirmation-pending: %v", err)
	}
}

// ClearState sweeps the rfid hash's history-derived fields, matching
// spec.md's "history is process-lifetime only": ClearHistory clears the
// live mirror too, not just in-process state.
func (b *Bus) ClearState() {
	for _, field := range []string{"tag-count", "current-tag", "tag-updated"} {
		if _, err := b.client.HDel(b.ctx, KeyRFID, field).Result(); err != nil {
			log.Printf("notify: failed to clear field %s: %v", field, err)
		}
	}
}

// LPush matches the teacher's LPush helper, exposed for tests and symmetry
// with BRPop even though production code only reads rfid:commands.
func (b *Bus) LPush(key, value string) error {
	_, err := b.client.LPush(b.ctx, key, value).Result()
	if err != nil {
		log.Printf("notify: failed to LPUSH %s to %s: %v", value, key, err)
	}
	return err
}

// WatchCommands blocks on BRPop against rfid:commands until stop is closed,
// dispatching each entry to the wired Commands target. Grounded on
// WatchRedisCommands.
func (b *Bus) WatchCommands(stop <-chan struct{}) {
	log.Printf("notify: starting command watcher on list key: %s", ListRFIDCommands)
	for {
		select {
		case <-stop:
			log.Println("notify: stopping command watcher")
			return
		default:
		}

		result, err := b.client.BRPop(b.ctx, 1*time.Second, ListRFIDCommands).Result()
		if err != nil {
			if err != redis.Nil {
				log.Printf("notify: error receiving command from %s: %v", ListRFIDCommands, err)
				time.Sleep(1 * time.Second)
			}
			continue
		}
		if len(result) != 2 {
			log.Printf("notify: unexpected BRPOP result length: %v", result)
			continue
		}

		command := result[1]
		log.Printf("notify: received command: %s", command)
		if err := b.dispatch(command); err != nil {
			log.Printf("notify: command %q failed: %v", command, err)
		}
	}
}

func (b *Bus) dispatch(command string) error {
	if b.commands == nil {
		return fmt.Errorf("no command target wired")
	}

	name, arg, hasArg := strings.Cut(command, ":")

	switch name {
	case "write-epc":
		payload, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("bad hex payload: %w", err)
		}
		return b.commands.WriteEpc(payload)
	case "write-rfu":
		payload, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("bad hex payload: %w", err)
		}
		return b.commands.WriteRfu(payload)
	case "write-user":
		payload, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("bad hex payload: %w", err)
		}
		return b.commands.WriteUser(payload)
	case "erase":
		return b.commands.EraseTag()
	case "kill":
		return b.commands.KillTag()
	case "lock":
		return b.commands.LockTag()
	case "clear-history":
		b.commands.ClearHistory()
		return nil
	case "toggle-connection":
		b.commands.ToggleConnection()
		return nil
	case "set-port":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad port index: %w", err)
		}
		return b.commands.SetPort(index)
	case "set-baud":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad baud index: %w", err)
		}
		return b.commands.SetBaudRate(index)
	case "select-model":
		if !hasArg {
			return fmt.Errorf("select-model requires a model name")
		}
		return b.commands.SelectReaderModel(arg)
	case "confirm":
		switch arg {
		case "accept":
			b.commands.Confirm(true)
		case "reject":
			b.commands.Confirm(false)
		default:
			return fmt.Errorf("confirm requires accept or reject, got %q", arg)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}
