package protocol

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDevDepMsgOut(t *testing.T) {
	buf := encodeDevDepMsgOut(7, []byte("*IDN?\n"))

	require.Len(t, buf, 20)
	assert.Equal(t, byte(msgDevDepMsgOut), buf[0])
	assert.Equal(t, byte(7), buf[1])
	assert.Equal(t, ^byte(7), buf[2])
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, byte(1), buf[8])
	assert.Equal(t, "*IDN?\n", string(buf[12:18]))
	assert.Equal(t, []byte{0, 0}, buf[18:])
}

func TestDecodeDevDepMsgIn(t *testing.T) {
	payload := []byte("Thorlabs,PM100D,P0012345,2.4.0\n")
	raw := make([]byte, usbtmcHeaderSize+len(payload)+1)
	raw[0] = msgRequestDevDepIn
	raw[1] = 3
	raw[2] = ^byte(3)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(payload)))
	raw[8] = 0x01
	copy(raw[usbtmcHeaderSize:], payload)

	got, eom, err := decodeDevDepMsgIn(raw)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, eom)

	raw[8] = 0
	_, eom, err = decodeDevDepMsgIn(raw)
	require.NoError(t, err)
	assert.False(t, eom)

	_, _, err = decodeDevDepMsgIn(raw[:5])
	assert.Error(t, err)

	raw[0] = msgDevDepMsgOut
	_, _, err = decodeDevDepMsgIn(raw)
	assert.Error(t, err)
}

func TestEncodeRequestDevDepMsgIn(t *testing.T) {
	buf := encodeRequestDevDepMsgIn(255, 4096)
	require.Len(t, buf, usbtmcHeaderSize)
	assert.Equal(t, byte(msgRequestDevDepIn), buf[0])
	assert.Equal(t, byte(0), buf[2])
	assert.Equal(t, uint32(4096), binary.LittleEndian.Uint32(buf[4:8]))
}

func TestTagSkipsZero(t *testing.T) {
	p := &usbtmcPort{tag: 254}
	assert.Equal(t, byte(255), p.nextTag())
	assert.Equal(t, byte(1), p.nextTag())
}

func TestParseUSBResource(t *testing.T) {
	res, err := parseUSBResource("USB0::0x1313::0x8078::P0012345::INSTR")
	require.NoError(t, err)
	assert.Equal(t, gousb.ID(0x1313), res.VendorID)
	assert.Equal(t, gousb.ID(0x8078), res.ProductID)
	assert.Equal(t, "P0012345", res.Serial)
	assert.Equal(t, "USB0::0x1313::0x8078::P0012345::INSTR", res.String())

	_, err = parseUSBResource("TCPIP0::10.0.0.2::5025::SOCKET")
	assert.Error(t, err)
	_, err = parseUSBResource("USB0::0xZZZZ::0x8078::P1::INSTR")
	assert.Error(t, err)
}

// devDepMsgIn builds a DEV_DEP_MSG_IN transfer answering tag
func devDepMsgIn(tag byte, payload string) []byte {
	raw := make([]byte, usbtmcHeaderSize+len(payload))
	raw[0] = msgRequestDevDepIn
	raw[1] = tag
	raw[2] = ^tag
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(payload)))
	raw[8] = 0x01
	copy(raw[usbtmcHeaderSize:], payload)
	return raw
}

type bulkRead struct {
	data []byte
	err  error
}

// fakeUSB scripts the bulk endpoints and control pipe of one interface
type fakeUSB struct {
	requests [][]byte
	reads    []bulkRead
	controls []controlCall
	replies  map[uint8][]byte
}

type controlCall struct {
	rType, request uint8
	val, idx       uint16
}

func (f *fakeUSB) WriteContext(_ context.Context, buf []byte) (int, error) {
	f.requests = append(f.requests, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeUSB) ReadContext(_ context.Context, buf []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, gousb.TransferTimedOut
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(buf, r.data), nil
}

func (f *fakeUSB) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.controls = append(f.controls, controlCall{rType, request, val, idx})
	return copy(data, f.replies[request]), nil
}

func newFakePort(f *fakeUSB) *usbtmcPort {
	return &usbtmcPort{in: f, out: f, control: f, inAddress: 0x81, timeout: 10 * time.Millisecond, maxTransfer: 64}
}

func TestUSBTMCReadBuffersTransfer(t *testing.T) {
	f := &fakeUSB{reads: []bulkRead{{data: devDepMsgIn(1, "Thorlabs,PM100D,P0012345,2.4.0\n")}}}
	p := newFakePort(f)

	var got []byte
	buf := make([]byte, 8)
	for len(got) < 31 {
		n, err := p.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "Thorlabs,PM100D,P0012345,2.4.0\n", string(got))
	require.Len(t, f.requests, 1)
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(f.requests[0][4:8]))
	assert.Empty(t, f.controls)
}

func TestUSBTMCReadTimeoutAbortsRequest(t *testing.T) {
	f := &fakeUSB{
		reads: []bulkRead{
			{err: gousb.TransferTimedOut},
			{data: devDepMsgIn(1, "stale\n")},
			{data: devDepMsgIn(2, "fresh\n")},
		},
		replies: map[uint8][]byte{
			reqInitiateAbortBulkIn:    {usbtmcStatusSuccess, 1},
			reqCheckAbortBulkInStatus: {usbtmcStatusSuccess, 0, 0, 0, 6, 0, 0, 0},
		},
	}
	p := newFakePort(f)
	buf := make([]byte, 64)

	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []controlCall{
		{usbtmcRequestIn, reqInitiateAbortBulkIn, 1, 0x81},
		{usbtmcRequestIn, reqCheckAbortBulkInStatus, 0, 0x81},
	}, f.controls)

	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(buf[:n]))
	assert.Len(t, f.requests, 2)
}

func TestUSBTMCAbortWithoutQueuedTransfer(t *testing.T) {
	f := &fakeUSB{replies: map[uint8][]byte{reqInitiateAbortBulkIn: {0x81, 1}}}
	p := newFakePort(f)

	n, err := p.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, f.controls, 1)
	assert.Equal(t, uint8(reqInitiateAbortBulkIn), f.controls[0].request)
}

func TestUSBTMCResetDropsBufferedPayload(t *testing.T) {
	f := &fakeUSB{reads: []bulkRead{{data: devDepMsgIn(1, "0.125\n")}}}
	p := newFakePort(f)

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0.", string(buf[:n]))

	require.NoError(t, p.ResetInputBuffer())
	assert.Empty(t, p.pending)
}
