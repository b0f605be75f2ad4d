package iscsi

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultPort is the standard iSCSI TCP port (RFC 3720).
const DefaultPort = 3260

const (
	defaultReadTimeout  = 300 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// TargetConfig is the configuration consumed at build time: the one
// collaborator, besides the BlockDevice capability, that callers supply.
type TargetConfig struct {
	BindAddr    string
	TargetName  string
	TargetAlias string
	Auth        AuthConfig
}

// validTargetPrefixes enumerates the iSCSI naming authorities a target
// name must begin with.
var validTargetPrefixes = []string{"iqn.", "eui.", "naa."}

func (c *TargetConfig) validate() error {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:3260"
	}
	ok := false
	for _, prefix := range validTargetPrefixes {
		if strings.HasPrefix(c.TargetName, prefix) {
			ok = true
			break
		}
	}
	if !ok {
		return &ConfigError{Reason: "target_name must begin with iqn., eui., or naa."}
	}
	return nil
}

// TargetBuilder constructs a TargetServer from a TargetConfig and a
// BlockDevice, mirroring the teacher's small, fluent handler-construction
// style (BasicSCSIHandler, SCSICmdHandler).
type TargetBuilder struct {
	cfg TargetConfig
}

// NewTargetBuilder starts a builder with defaults.
func NewTargetBuilder() *TargetBuilder {
	return &TargetBuilder{cfg: TargetConfig{BindAddr: "0.0.0.0:3260"}}
}

func (b *TargetBuilder) BindAddr(addr string) *TargetBuilder {
	b.cfg.BindAddr = addr
	return b
}

func (b *TargetBuilder) TargetName(name string) *TargetBuilder {
	b.cfg.TargetName = name
	return b
}

func (b *TargetBuilder) TargetAlias(alias string) *TargetBuilder {
	b.cfg.TargetAlias = alias
	return b
}

func (b *TargetBuilder) WithAuth(auth AuthConfig) *TargetBuilder {
	b.cfg.Auth = auth
	return b
}

// Build validates the configuration and returns a ready-to-run
// TargetServer bound to device.
func (b *TargetBuilder) Build(device BlockDevice) (*TargetServer, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &TargetServer{
		cfg:     b.cfg,
		device:  device,
		metrics: newMetrics(),
		logger:  logrus.StandardLogger(),
	}, nil
}

// TargetServer is the acceptor loop and per-connection worker plumbing
// (C5). It exposes Run, ShutdownGracefully, and Stop as its only control
// operations.
type TargetServer struct {
	cfg     TargetConfig
	device  BlockDevice
	metrics *targetMetrics
	logger  *logrus.Logger

	listener net.Listener

	addrMu   sync.Mutex
	boundAddr string

	running int32 // atomic bool
	draining int32 // atomic bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// SetLogger overrides the injected logger hook, mirroring the teacher's
// pattern of accepting a caller-provided logger.
func (t *TargetServer) SetLogger(l *logrus.Logger) { t.logger = l }

// Run binds the configured address and accepts connections until Stop is
// called. It blocks the calling goroutine.
func (t *TargetServer) Run() error {
	l, err := net.Listen("tcp", t.cfg.BindAddr)
	if err != nil {
		return &IOError{Op: "listen", Err: err}
	}
	t.listener = l
	t.conns = make(map[net.Conn]struct{})
	t.addrMu.Lock()
	t.boundAddr = l.Addr().String()
	t.addrMu.Unlock()
	atomic.StoreInt32(&t.running, 1)
	t.logger.Infof("iscsi: target %s listening on %s", t.cfg.TargetName, t.cfg.BindAddr)

	for atomic.LoadInt32(&t.running) == 1 {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.running) == 0 {
				return nil
			}
			t.logger.Warnf("iscsi: accept error: %v", err)
			continue
		}
		tuneConn(conn)
		t.trackConn(conn, true)
		t.metrics.sessionsOpened.Inc()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.trackConn(conn, false)
			t.handleConnection(conn)
		}()
	}
	return nil
}

// ShutdownGracefully flips the drain flag: new Login Requests are
// rejected with TARGET_ERROR/SERVICE_UNAVAILABLE, while in-flight
// sessions proceed until natural logout.
func (t *TargetServer) ShutdownGracefully() {
	atomic.StoreInt32(&t.draining, 1)
	t.logger.Infof("iscsi: target %s draining", t.cfg.TargetName)
}

// Stop clears the running flag, causing the acceptor to exit, and closes
// the listener; existing worker connections are dropped at their next I/O
// boundary.
func (t *TargetServer) Stop() {
	atomic.StoreInt32(&t.running, 0)
	if t.listener != nil {
		t.listener.Close()
	}
	t.connsMu.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.connsMu.Unlock()
}

// Wait blocks until every in-flight connection worker has returned.
func (t *TargetServer) Wait() { t.wg.Wait() }

// Addr returns the address Run bound to, or "" before Run has started
// listening. Mainly useful when BindAddr used an ephemeral ":0" port.
func (t *TargetServer) Addr() string {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	return t.boundAddr
}

func (t *TargetServer) trackConn(c net.Conn, add bool) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if add {
		t.conns[c] = struct{}{}
	} else {
		delete(t.conns, c)
		t.metrics.sessionsClosed.Inc()
	}
}

// tuneConn applies conservative socket options, re-wiring the teacher's
// golang.org/x/sys/unix dependency from mmap/ioctl use to plain socket
// tuning: disable Nagle for latency-sensitive small PDUs and allow fast
// rebind.
func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

func (t *TargetServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	sess := NewSession()
	loggedIn := false

	for {
		conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		pdu, err := DecodePDU(conn)
		if err != nil {
			if IsConnectionFatal(err) {
				t.logger.Debugf("iscsi: closing connection from %s: %v", conn.RemoteAddr(), err)
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))

		switch pdu.Opcode() {
		case OpLoginRequest:
			if atomic.LoadInt32(&t.draining) == 1 && sess.State == StateFree {
				resp, _ := sess.loginReject(NewPDU(OpLoginResponse), pdu, StatusClassTargetErr, DetailServiceUnavailable)
				resp.SetISID(pdu.ISID())
				resp.SetInitiatorTaskTag(pdu.InitiatorTaskTag())
				resp.Encode(conn)
				return
			}
			resp, loginErr := sess.ProcessLogin(pdu, &t.cfg)
			resp.Encode(conn)
			if loginErr != nil {
				t.metrics.loginFailures.Inc()
				return
			}
			if sess.State == StateFullFeature {
				loggedIn = true
			}
			t.metrics.pdusProcessed.Inc()

		case OpTextRequest:
			resp, terr := sess.HandleText(pdu, &t.cfg)
			if terr != nil {
				return
			}
			resp.Encode(conn)
			t.metrics.pdusProcessed.Inc()

		case OpNopOut:
			if pdu.InitiatorTaskTag() != 0xffffffff {
				resp := sess.HandleNop(pdu)
				resp.Encode(conn)
			}
			t.metrics.pdusProcessed.Inc()

		case OpLogoutRequest:
			resp := sess.HandleLogout(pdu)
			resp.Encode(conn)
			return

		case OpSCSICommand:
			if !loggedIn {
				return
			}
			if !pdu.Immediate() && !sess.InWindow(pdu.CmdSN()) {
				continue
			}
			if !pdu.Immediate() {
				sess.Advance()
			}
			t.handleSCSICommand(conn, sess, pdu)
			t.metrics.pdusProcessed.Inc()

		case OpSCSIDataOut:
			if !loggedIn {
				return
			}
			t.handleDataOut(conn, sess, pdu)
			t.metrics.pdusProcessed.Inc()

		case OpTaskMgmtRequest:
			resp := NewPDU(OpTaskMgmtResponse)
			resp.SetInitiatorTaskTag(pdu.InitiatorTaskTag())
			resp.header[offOpSpecific2] = 0x00 // function complete
			resp.Encode(conn)

		default:
			rej := NewPDU(OpReject)
			rej.SetRejectReason(RejectReasonCommandNotSupported)
			rej.Data = pdu.header[:]
			rej.Encode(conn)
		}

		if atomic.LoadInt32(&t.draining) == 1 && sess.State == StateLogout {
			return
		}
	}
}

func (t *TargetServer) handleSCSICommand(conn net.Conn, sess *Session, pdu *PDU) {
	cdb := pdu.CDB()
	itt := pdu.InitiatorTaskTag()

	if len(cdb) > 0 && IsWriteCommand(cdb[0]) {
		lba, blocks, err := ParseReadWriteCDB(cdb)
		if err != nil {
			t.sendCheckCondition(conn, sess, itt, invalidOpcodeSense.Bytes())
			return
		}
		pw, scsiErr := sess.BeginWrite(itt, lba, blocks, t.device.BlockSize())
		if scsiErr != nil {
			t.sendCheckCondition(conn, sess, itt, scsiErr.Bytes())
			return
		}
		if sess.Params.ImmediateData && len(pdu.Data) > 0 {
			done, _, scsiErr := sess.ApplyDataOut(itt, 0, 0, pdu.Data, uint32(len(pdu.Data)) == pw.ExpectedTotal)
			if scsiErr != nil {
				t.sendCheckCondition(conn, sess, itt, scsiErr.Bytes())
				return
			}
			if done {
				t.finishWrite(conn, sess, itt, pw)
			}
		}
		return
	}

	status, data, sense := DispatchSCSI(cdb, t.cfg.TargetName, t.device)
	if sense != nil {
		t.sendCheckCondition(conn, sess, itt, sense)
		return
	}
	t.sendReadResult(conn, sess, itt, status, data)
}

func (t *TargetServer) handleDataOut(conn net.Conn, sess *Session, pdu *PDU) {
	itt := pdu.InitiatorTaskTag()
	done, pw, scsiErr := sess.ApplyDataOut(itt, pdu.BufferOffset(), pdu.DataSN(), pdu.Data, pdu.Final())
	if scsiErr != nil {
		t.sendCheckCondition(conn, sess, itt, scsiErr.Bytes())
		return
	}
	if done {
		t.finishWrite(conn, sess, itt, pw)
	}
}

func (t *TargetServer) finishWrite(conn net.Conn, sess *Session, itt uint32, pw *PendingWrite) {
	status, sense := DispatchWrite(pw.LBA, pw.Buffer, t.device)
	if sense != nil {
		t.sendCheckCondition(conn, sess, itt, sense)
		return
	}
	t.metrics.bytesWritten.Add(float64(len(pw.Buffer)))
	t.sendSCSIResponse(conn, sess, itt, status, nil)
}

func (t *TargetServer) sendReadResult(conn net.Conn, sess *Session, itt uint32, status byte, data []byte) {
	t.metrics.bytesRead.Add(float64(len(data)))
	pdus := BuildDataIn(itt, data, status, sess.Params.MaxXmitDataSegmentLength)
	for _, p := range pdus {
		sess.mu.Lock()
		p.SetStatSN(sess.StatSN)
		if p.StatusPresent() {
			sess.StatSN++
		}
		p.SetExpCmdSN(sess.ExpCmdSN)
		p.SetMaxCmdSN(sess.MaxCmdSN)
		sess.mu.Unlock()
		p.Encode(conn)
	}
}

func (t *TargetServer) sendSCSIResponse(conn net.Conn, sess *Session, itt uint32, status byte, sense []byte) {
	resp := NewPDU(OpSCSIResponse)
	resp.SetInitiatorTaskTag(itt)
	resp.SetFinal(true)
	resp.SetStatus(status)
	resp.Data = sense
	sess.mu.Lock()
	resp.SetStatSN(sess.StatSN)
	sess.StatSN++
	resp.SetExpCmdSN(sess.ExpCmdSN)
	resp.SetMaxCmdSN(sess.MaxCmdSN)
	sess.mu.Unlock()
	resp.Encode(conn)
}

func (t *TargetServer) sendCheckCondition(conn net.Conn, sess *Session, itt uint32, sense []byte) {
	t.sendSCSIResponse(conn, sess, itt, 0x02, sense)
}
