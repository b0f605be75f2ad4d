package iscsi

import (
	"testing"

	"github.com/coreos/go-iscsi/scsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSCSITestUnitReady(t *testing.T) {
	dev := NewMemoryDevice(1024, 512)
	status, data, sense := DispatchSCSI([]byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, "iqn.test", dev)
	assert.Equal(t, byte(scsi.SamStatGood), status)
	assert.Nil(t, data)
	assert.Nil(t, sense)
}

func TestDispatchSCSIInquiryStandard(t *testing.T) {
	dev := NewMemoryDevice(1024, 512)
	cdb := []byte{scsi.Inquiry, 0x00, 0x00, 0x00, 0x24, 0x00}
	status, data, sense := DispatchSCSI(cdb, "iqn.test", dev)
	require.Equal(t, byte(scsi.SamStatGood), status)
	require.Nil(t, sense)
	require.Len(t, data, 36)
	assert.Equal(t, byte(0x00), data[0])
	assert.Equal(t, byte(0x05), data[2])
	assert.Equal(t, byte(0x02), data[3])
	assert.Equal(t, byte(31), data[4])
}

func TestDispatchSCSIInquiryEvpdSupportedPages(t *testing.T) {
	dev := NewMemoryDevice(1024, 512)
	cdb := []byte{scsi.Inquiry, 0x01, 0x00, 0x00, 0xff, 0x00}
	status, data, sense := DispatchSCSI(cdb, "iqn.test", dev)
	require.Equal(t, byte(scsi.SamStatGood), status)
	require.Nil(t, sense)
	assert.Equal(t, byte(0x00), data[1])
}

func TestDispatchSCSIReadCapacity10(t *testing.T) {
	dev := NewMemoryDevice(2048, 512)
	status, data, sense := DispatchSCSI([]byte{scsi.ReadCapacity, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "iqn.test", dev)
	require.Equal(t, byte(scsi.SamStatGood), status)
	require.Nil(t, sense)
	require.Len(t, data, 8)
	assert.Equal(t, []byte{0x00, 0x00, 0x07, 0xff}, data[0:4]) // 2048-1 = 0x7ff
	assert.Equal(t, []byte{0x00, 0x00, 0x02, 0x00}, data[4:8]) // 512
}

func TestDispatchSCSIReadCapacity16(t *testing.T) {
	dev := NewMemoryDevice(2048, 512)
	cdb := make([]byte, 16)
	cdb[0] = scsi.ServiceActionIn16
	cdb[1] = scsi.SaiReadCapacity16
	status, data, sense := DispatchSCSI(cdb, "iqn.test", dev)
	require.Equal(t, byte(scsi.SamStatGood), status)
	require.Nil(t, sense)
	require.Len(t, data, 32)
}

func TestDispatchSCSIReadOutOfRange(t *testing.T) {
	dev := NewMemoryDevice(4, 512)
	cdb := make([]byte, 10)
	cdb[0] = scsi.Read10
	cdb[2], cdb[3], cdb[4], cdb[5] = 0, 0, 0, 4 // lba == capacity
	cdb[7], cdb[8] = 0, 1
	status, data, sense := DispatchSCSI(cdb, "iqn.test", dev)
	assert.Equal(t, byte(scsi.SamStatCheckCondition), status)
	assert.Nil(t, data)
	assert.Equal(t, []byte{0x70, 0x00, scsi.SenseIllegalRequest, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00, 0x21, 0x00, 0x00, 0x00, 0x00, 0x00}, sense)
}

func TestDispatchSCSIUnknownOpcode(t *testing.T) {
	dev := NewMemoryDevice(4, 512)
	status, data, sense := DispatchSCSI([]byte{0xff, 0, 0, 0, 0, 0}, "iqn.test", dev)
	assert.Equal(t, byte(scsi.SamStatCheckCondition), status)
	assert.Nil(t, data)
	assert.Equal(t, byte(scsi.SenseIllegalRequest), sense[2])
	assert.Equal(t, byte(0x20), sense[12])
}

func TestDispatchWriteThenRead(t *testing.T) {
	dev := NewMemoryDevice(4, 512)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xab
	}
	status, sense := DispatchWrite(0, payload, dev)
	require.Equal(t, byte(scsi.SamStatGood), status)
	require.Nil(t, sense)

	data, err := dev.ReadAt(0, 1, 512)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDispatchWriteOutOfRange(t *testing.T) {
	dev := NewMemoryDevice(1, 512)
	payload := make([]byte, 1024)
	status, sense := DispatchWrite(0, payload, dev)
	assert.Equal(t, byte(scsi.SamStatCheckCondition), status)
	assert.NotNil(t, sense)
}

func TestParseReadWriteCDB10(t *testing.T) {
	cdb := make([]byte, 10)
	cdb[0] = scsi.Write10
	cdb[2], cdb[3], cdb[4], cdb[5] = 0x00, 0x00, 0x01, 0x00 // lba 256
	cdb[7], cdb[8] = 0x00, 0x02                             // 2 blocks
	lba, blocks, err := ParseReadWriteCDB(cdb)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), lba)
	assert.Equal(t, uint32(2), blocks)
}

func TestParseReadWriteCDB16(t *testing.T) {
	cdb := make([]byte, 16)
	cdb[0] = scsi.Read16
	cdb[9] = 0x01 // lba 1
	cdb[13] = 0x03
	lba, blocks, err := ParseReadWriteCDB(cdb)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lba)
	assert.Equal(t, uint32(3), blocks)
}

func TestIsWriteCommand(t *testing.T) {
	assert.True(t, IsWriteCommand(scsi.Write10))
	assert.True(t, IsWriteCommand(scsi.Write16))
	assert.False(t, IsWriteCommand(scsi.Read10))
}

func TestFixedString(t *testing.T) {
	assert.Equal(t, []byte("ab  "), FixedString("ab", 4))
	assert.Equal(t, []byte("abcd"), FixedString("abcdef", 4))
}
