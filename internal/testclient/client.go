// Package testclient is a minimal iSCSI initiator used only by this
// module's own tests to drive login, SCSI I/O, and logout against a
// TargetServer. Its behavior is grounded on the phase structure of the
// original reference implementation's client (connect, three-phase
// login, discovery, send_scsi_command, logout) but it reuses this
// module's own wire codec rather than re-deriving byte offsets.
package testclient

import (
	"fmt"
	"net"

	iscsi "github.com/coreos/go-iscsi"
)

// Client is a bare-bones iSCSI initiator: enough wire behavior to drive
// the target's login state machine and issue SCSI commands, nothing more.
type Client struct {
	conn     net.Conn
	itt      uint32
	cmdSN    uint32
	expStatSN uint32
}

// Dial connects to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("testclient: dial: %w", err)
	}
	return &Client{conn: conn, cmdSN: 1}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) nextITT() uint32 {
	c.itt++
	return c.itt
}

// Login performs a single login round-trip with the given parameters and
// CSG/NSG/Transit flags, returning the response PDU.
func (c *Client) Login(params map[string]string, csg, nsg iscsi.LoginStage, transit bool) (*iscsi.PDU, error) {
	req := iscsi.NewPDU(iscsi.OpLoginRequest)
	req.SetInitiatorTaskTag(c.nextITT())
	req.SetLoginFlags(transit, false, csg, nsg)
	req.SetCmdSN(c.cmdSN)
	req.SetExpStatSN(c.expStatSN)

	tp := &iscsi.TextParams{}
	for k, v := range params {
		tp.Add(k, v)
	}
	req.Data = iscsi.EncodeTextParams(tp)

	if err := req.Encode(c.conn); err != nil {
		return nil, err
	}
	resp, err := iscsi.DecodePDU(c.conn)
	if err != nil {
		return nil, err
	}
	c.cmdSN++
	c.expStatSN = resp.StatSN() + 1
	return resp, nil
}

// SendText sends a Text Request and returns the response.
func (c *Client) SendText(params map[string]string) (*iscsi.PDU, error) {
	req := iscsi.NewPDU(iscsi.OpTextRequest)
	req.SetInitiatorTaskTag(c.nextITT())
	req.SetFinal(true)
	req.SetCmdSN(c.cmdSN)
	req.SetExpStatSN(c.expStatSN)

	tp := &iscsi.TextParams{}
	for k, v := range params {
		tp.Add(k, v)
	}
	req.Data = iscsi.EncodeTextParams(tp)

	if err := req.Encode(c.conn); err != nil {
		return nil, err
	}
	resp, err := iscsi.DecodePDU(c.conn)
	if err != nil {
		return nil, err
	}
	c.cmdSN++
	c.expStatSN = resp.StatSN() + 1
	return resp, nil
}

// SendSCSICommand sends a SCSI Command PDU carrying cdb (and optional
// immediate write data) and collects every response PDU (Data-In chunks
// and/or a trailing SCSI Response) until a final PDU is seen.
func (c *Client) SendSCSICommand(cdb []byte, immediateData []byte, expectedDataLen uint32) ([]*iscsi.PDU, error) {
	req := iscsi.NewPDU(iscsi.OpSCSICommand)
	req.SetInitiatorTaskTag(c.nextITT())
	req.SetFinal(true)
	req.SetCDB(cdb)
	req.SetExpectedDataTransferLength(expectedDataLen)
	req.SetCmdSN(c.cmdSN)
	req.SetExpStatSN(c.expStatSN)
	req.Data = immediateData

	if err := req.Encode(c.conn); err != nil {
		return nil, err
	}
	c.cmdSN++

	var responses []*iscsi.PDU
	for {
		resp, err := iscsi.DecodePDU(c.conn)
		if err != nil {
			return responses, err
		}
		responses = append(responses, resp)
		c.expStatSN = resp.StatSN() + 1
		if resp.Opcode() == iscsi.OpSCSIResponse {
			break
		}
		if resp.Opcode() == iscsi.OpSCSIDataIn && resp.Final() {
			if resp.StatusPresent() {
				break
			}
			// A trailing SCSI Response follows.
			continue
		}
	}
	return responses, nil
}

// SendDataOut sends a single SCSI Data-Out PDU for a write whose
// ImmediateData did not cover the full transfer.
func (c *Client) SendDataOut(itt uint32, bufferOffset, dataSN uint32, data []byte, final bool) error {
	p := iscsi.NewPDU(iscsi.OpSCSIDataOut)
	p.SetInitiatorTaskTag(itt)
	p.SetBufferOffset(bufferOffset)
	p.SetDataSN(dataSN)
	p.SetFinal(final)
	p.Data = data
	return p.Encode(c.conn)
}

// Logout sends a Logout Request and returns the response.
func (c *Client) Logout(reason byte) (*iscsi.PDU, error) {
	req := iscsi.NewPDU(iscsi.OpLogoutRequest)
	req.SetInitiatorTaskTag(c.nextITT())
	req.SetLogoutReason(reason)
	req.SetCmdSN(c.cmdSN)
	req.SetExpStatSN(c.expStatSN)
	if err := req.Encode(c.conn); err != nil {
		return nil, err
	}
	c.cmdSN++
	return iscsi.DecodePDU(c.conn)
}
