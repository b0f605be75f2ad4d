package iscsi

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-iscsi/scsi"
)

// SenseData is the 18-byte fixed-format sense descriptor constructed on
// demand for CHECK CONDITION responses (SPC-3 section 4.5.3).
type SenseData struct {
	SenseKey byte
	ASC      byte
	ASCQ     byte
}

// Bytes renders the sense descriptor as the 18-byte wire form used in a
// SCSI Response's sense data segment.
func (s SenseData) Bytes() []byte {
	b := make([]byte, 18)
	b[0] = 0x70 // response code, current errors
	b[2] = s.SenseKey
	b[7] = 0x0a // additional sense length (10 bytes follow)
	b[12] = s.ASC
	b[13] = s.ASCQ
	return b
}

func illegalRequest(asc, ascq byte) SenseData {
	return SenseData{SenseKey: scsi.SenseIllegalRequest, ASC: asc, ASCQ: ascq}
}

// invalidOpcodeSense is returned for any CDB this handler does not
// recognize.
var invalidOpcodeSense = illegalRequest(byte(scsi.AscInvalidCommandOperationCode>>8), 0x00)

// lbaOutOfRangeSense is returned when a read or write targets a block
// beyond the device's capacity.
var lbaOutOfRangeSense = illegalRequest(byte(scsi.AscLogicalBlockAddressOutOfRange>>8), 0x00)

func mediumErrorSense() SenseData {
	return SenseData{SenseKey: scsi.SenseMediumError, ASC: 0x00, ASCQ: 0x00}
}

// FixedString space-pads or truncates s to length, matching the ASCII
// field conventions INQUIRY uses for vendor/product/revision strings.
func FixedString(s string, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// InquiryInfo describes the vendor identification strings an INQUIRY
// response reports.
type InquiryInfo struct {
	VendorID   string
	ProductID  string
	ProductRev string
}

var defaultInquiry = InquiryInfo{VendorID: "GOISCSI", ProductID: "VIRTUAL-DISK", ProductRev: "1.0"}

// cdbLen mirrors the SCSI CDB length convention by opcode range: 6 bytes
// below 0x20, 10 bytes below 0x60, 16 bytes for the 0x80-0x9f range, 12
// bytes for 0xa0-0xbf.
func cdbLen(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		return 10
	}
}

// IsWriteCommand reports whether opcode is a WRITE variant this target
// understands, for which the caller must drive PendingWrite reassembly
// rather than calling DispatchSCSI directly.
func IsWriteCommand(opcode byte) bool {
	return opcode == scsi.Write10 || opcode == scsi.Write16
}

// ParseReadWriteCDB decodes LBA and block count from a READ or WRITE
// (10/16) CDB. The LBA is always read here, from the CDB itself — never
// inferred later from a Data-Out PDU's buffer offset, which is a
// within-transfer byte offset, not a device address.
func ParseReadWriteCDB(cdb []byte) (lba uint64, blocks uint32, err error) {
	if len(cdb) == 0 {
		return 0, 0, fmt.Errorf("iscsi: empty cdb")
	}
	switch cdb[0] {
	case scsi.Read10, scsi.Write10:
		if len(cdb) < 10 {
			return 0, 0, fmt.Errorf("iscsi: short 10-byte cdb")
		}
		lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks = uint32(binary.BigEndian.Uint16(cdb[7:9]))
	case scsi.Read16, scsi.Write16:
		if len(cdb) < 16 {
			return 0, 0, fmt.Errorf("iscsi: short 16-byte cdb")
		}
		lba = binary.BigEndian.Uint64(cdb[2:10])
		blocks = binary.BigEndian.Uint32(cdb[10:14])
	default:
		return 0, 0, fmt.Errorf("iscsi: opcode 0x%02x is not a read/write command", cdb[0])
	}
	return lba, blocks, nil
}

// DispatchSCSI executes every CDB this target understands except WRITE
// (10/16), which the session engine drives through PendingWrite
// reassembly instead. It returns the SAM status byte, any response data,
// and sense bytes (non-nil only on CHECK CONDITION).
func DispatchSCSI(cdb []byte, targetIQN string, dev BlockDevice) (status byte, data []byte, sense []byte) {
	if len(cdb) == 0 {
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	}
	switch cdb[0] {
	case scsi.TestUnitReady:
		return scsi.SamStatGood, nil, nil
	case scsi.Inquiry:
		return emulateInquiry(cdb, targetIQN, dev)
	case scsi.ReadCapacity:
		return emulateReadCapacity10(dev)
	case scsi.ServiceActionIn16:
		if len(cdb) >= 2 && cdb[1]&0x1f == scsi.SaiReadCapacity16 {
			return emulateReadCapacity16(dev)
		}
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	case scsi.Read10, scsi.Read16:
		return emulateRead(cdb, dev)
	case scsi.SynchronizeCache, scsi.SynchronizeCache16:
		return emulateSynchronizeCache(dev)
	case scsi.Write10, scsi.Write16:
		// Handled by the session engine's write-reassembly path.
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	default:
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	}
}

func emulateInquiry(cdb []byte, targetIQN string, dev BlockDevice) (byte, []byte, []byte) {
	evpd := len(cdb) > 1 && cdb[1]&0x01 != 0
	if !evpd {
		return emulateStdInquiry()
	}
	pageCode := byte(0)
	if len(cdb) > 2 {
		pageCode = cdb[2]
	}
	return emulateEvpdInquiry(pageCode, targetIQN)
}

func emulateStdInquiry() (byte, []byte, []byte) {
	buf := make([]byte, 36)
	buf[0] = 0x00 // peripheral device type: direct access block device
	buf[1] = 0x00 // RMB=0, not removable
	buf[2] = 0x05 // VERSION: SPC-3
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length (36 - 5)
	buf[7] = 0x02 // CmdQue
	copy(buf[8:16], FixedString(defaultInquiry.VendorID, 8))
	copy(buf[16:32], FixedString(defaultInquiry.ProductID, 16))
	copy(buf[32:36], FixedString(defaultInquiry.ProductRev, 4))
	return scsi.SamStatGood, buf, nil
}

func emulateEvpdInquiry(pageCode byte, targetIQN string) (byte, []byte, []byte) {
	switch pageCode {
	case 0x00:
		buf := []byte{0x00, 0x00, 0x00, 0x03, 0x00, 0x80, 0x83}
		return scsi.SamStatGood, buf, nil
	case 0x80:
		serial := GenerateSerial(targetIQN)
		buf := append([]byte{0x00, 0x80, 0x00, byte(len(serial))}, []byte(serial)...)
		return scsi.SamStatGood, buf, nil
	case 0x83:
		return scsi.SamStatGood, deviceIdentificationPage(targetIQN), nil
	default:
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	}
}

// deviceIdentificationPage builds a minimal VPD page 0x83 carrying the
// target IQN as a T10 vendor ID designator.
func deviceIdentificationPage(targetIQN string) []byte {
	id := []byte(targetIQN)
	desc := make([]byte, 4+len(id))
	desc[0] = 0x02 // code set: ASCII
	desc[1] = 0x01 // association: logical unit, designator type: T10 vendor ID
	desc[3] = byte(len(id))
	copy(desc[4:], id)

	buf := make([]byte, 4+len(desc))
	buf[0] = 0x00
	buf[1] = 0x83
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(desc)))
	copy(buf[4:], desc)
	return buf
}

func emulateReadCapacity10(dev BlockDevice) (byte, []byte, []byte) {
	cap := dev.Capacity()
	lastLBA := uint32(0xffffffff)
	if cap > 0 && cap-1 < 0xffffffff {
		lastLBA = uint32(cap - 1)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], lastLBA)
	binary.BigEndian.PutUint32(buf[4:8], dev.BlockSize())
	return scsi.SamStatGood, buf, nil
}

func emulateReadCapacity16(dev BlockDevice) (byte, []byte, []byte) {
	cap := dev.Capacity()
	var lastLBA uint64
	if cap > 0 {
		lastLBA = cap - 1
	}
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], lastLBA)
	binary.BigEndian.PutUint32(buf[8:12], dev.BlockSize())
	return scsi.SamStatGood, buf, nil
}

func emulateRead(cdb []byte, dev BlockDevice) (byte, []byte, []byte) {
	lba, blocks, err := ParseReadWriteCDB(cdb)
	if err != nil {
		s := invalidOpcodeSense.Bytes()
		return scsi.SamStatCheckCondition, nil, s
	}
	if lba+uint64(blocks) > dev.Capacity() {
		return scsi.SamStatCheckCondition, nil, lbaOutOfRangeSense.Bytes()
	}
	data, err := dev.ReadAt(lba, blocks, dev.BlockSize())
	if err != nil {
		return scsi.SamStatCheckCondition, nil, mediumErrorSense().Bytes()
	}
	return scsi.SamStatGood, data, nil
}

func emulateSynchronizeCache(dev BlockDevice) (byte, []byte, []byte) {
	if err := dev.Flush(); err != nil {
		return scsi.SamStatCheckCondition, nil, mediumErrorSense().Bytes()
	}
	return scsi.SamStatGood, nil, nil
}

// DispatchWrite validates bounds and performs a completed write, called
// by the session engine once a PendingWrite's data is fully reassembled.
// lba always comes from the PendingWrite record, populated at SCSI
// Command time from the CDB.
func DispatchWrite(lba uint64, data []byte, dev BlockDevice) (status byte, sense []byte) {
	blocks := uint32(len(data)) / dev.BlockSize()
	if lba+uint64(blocks) > dev.Capacity() {
		return scsi.SamStatCheckCondition, lbaOutOfRangeSense.Bytes()
	}
	if err := dev.WriteAt(lba, data, dev.BlockSize()); err != nil {
		return scsi.SamStatCheckCondition, mediumErrorSense().Bytes()
	}
	return scsi.SamStatGood, nil
}
