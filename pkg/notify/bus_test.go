package notify

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommands struct {
	writtenEpc, writtenRfu, writtenUser []byte
	erased, killed, locked             bool
	cleared, toggled                   bool
	portIndex, baudIndex               int
	model                              string
	confirmed                          []bool
	err                                error
}

func (f *fakeCommands) SelectReaderModel(name string) error { f.model = name; return f.err }
func (f *fakeCommands) SetPort(index int) error             { f.portIndex = index; return f.err }
func (f *fakeCommands) SetBaudRate(index int) error         { f.baudIndex = index; return f.err }
func (f *fakeCommands) ToggleConnection()                   { f.toggled = true }
func (f *fakeCommands) ClearHistory()                        { f.cleared = true }
func (f *fakeCommands) WriteEpc(payload []byte) error {
	f.writtenEpc = payload
	return f.err
}
func (f *fakeCommands) WriteRfu(payload []byte) error {
	f.writtenRfu = payload
	return f.err
}
func (f *fakeCommands) WriteUser(payload []byte) error {
	f.writtenUser = payload
	return f.err
}
func (f *fakeCommands) EraseTag() error { f.erased = true; return f.err }
func (f *fakeCommands) KillTag() error  { f.killed = true; return f.err }
func (f *fakeCommands) LockTag() error  { f.locked = true; return f.err }
func (f *fakeCommands) Confirm(accept bool) { f.confirmed = append(f.confirmed, accept) }

func newTestBus(cmds Commands) *Bus {
	b := &Bus{}
	b.SetCommands(cmds)
	return b
}

func TestDispatchWriteEpcDecodesHexPayload(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("write-epc:" + hex.EncodeToString([]byte{0x01, 0x02, 0x03}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, cmds.writtenEpc)
}

func TestDispatchWriteRfuAndUser(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	require.NoError(t, b.dispatch("write-rfu:"+hex.EncodeToString([]byte{0xAA})))
	require.NoError(t, b.dispatch("write-user:"+hex.EncodeToString([]byte{0xBB, 0xCC})))
	assert.Equal(t, []byte{0xAA}, cmds.writtenRfu)
	assert.Equal(t, []byte{0xBB, 0xCC}, cmds.writtenUser)
}

func TestDispatchBadHexReturnsError(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("write-epc:not-hex")
	assert.Error(t, err)
	assert.Nil(t, cmds.writtenEpc)
}

func TestDispatchSimpleActions(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	require.NoError(t, b.dispatch("erase"))
	require.NoError(t, b.dispatch("kill"))
	require.NoError(t, b.dispatch("lock"))
	require.NoError(t, b.dispatch("clear-history"))
	require.NoError(t, b.dispatch("toggle-connection"))

	assert.True(t, cmds.erased)
	assert.True(t, cmds.killed)
	assert.True(t, cmds.locked)
	assert.True(t, cmds.cleared)
	assert.True(t, cmds.toggled)
}

func TestDispatchSetPortAndBaudParsesIndex(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	require.NoError(t, b.dispatch("set-port:2"))
	require.NoError(t, b.dispatch("set-baud:5"))
	assert.Equal(t, 2, cmds.portIndex)
	assert.Equal(t, 5, cmds.baudIndex)
}

func TestDispatchSetPortRejectsNonInteger(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("set-port:abc")
	assert.Error(t, err)
}

func TestDispatchSelectModel(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	require.NoError(t, b.dispatch("select-model:sm6210"))
	assert.Equal(t, "sm6210", cmds.model)
}

func TestDispatchSelectModelRequiresArgument(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("select-model")
	assert.Error(t, err)
}

func TestDispatchConfirmAcceptAndReject(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	require.NoError(t, b.dispatch("confirm:accept"))
	require.NoError(t, b.dispatch("confirm:reject"))
	assert.Equal(t, []bool{true, false}, cmds.confirmed)
}

func TestDispatchConfirmRejectsUnknownArgument(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("confirm:maybe")
	assert.Error(t, err)
}

func TestDispatchUnknownCommandReturnsError(t *testing.T) {
	cmds := &fakeCommands{}
	b := newTestBus(cmds)

	err := b.dispatch("reticulate-splines")
	assert.Error(t, err)
}

func TestDispatchWithNoCommandsWiredReturnsError(t *testing.T) {
	b := &Bus{}
	err := b.dispatch("erase")
	assert.Error(t, err)
}
