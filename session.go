package iscsi

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iscsi/scsi"
)

// SessionState names the lifecycle stage of a session. It is a plain
// enumeration: the per-stage data (TSIH, CHAP state) lives in fields of
// Session for every stage. ProcessLogin assigns a TSIH only to Normal
// sessions entering FullFeature and clears the CHAP state when login
// leaves SecNeg.
type SessionState int

const (
	StateFree SessionState = iota
	StateSecNeg
	StateOpNeg
	StateFullFeature
	StateLogout
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateSecNeg:
		return "SecNeg"
	case StateOpNeg:
		return "OpNeg"
	case StateFullFeature:
		return "FullFeature"
	case StateLogout:
		return "Logout"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SessionType distinguishes a Normal (I/O-capable) session from a
// Discovery session (SendTargets only, never assigned a TSIH).
type SessionType int

const (
	SessionNormal SessionType = iota
	SessionDiscovery
)

// SessionParams holds the negotiated operational parameters, reconciled
// between what the initiator offers and what the target is configured to
// allow (see the reconciliation table in SPEC_FULL.md section 3).
type SessionParams struct {
	MaxRecvDataSegmentLength uint32
	MaxXmitDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	DefaultTime2Wait         uint32
	DefaultTime2Retain       uint32
	MaxOutstandingR2T        uint32
	ErrorRecoveryLevel       uint32
	ImmediateData            bool
	InitialR2T               bool
	DataPDUInOrder           bool
	DataSequenceInOrder      bool
}

// DefaultSessionParams returns the target's configured ceilings/floors,
// matching the defaults observed in the reference implementation this
// target's reconciliation table is grounded on.
func DefaultSessionParams() SessionParams {
	return SessionParams{
		MaxRecvDataSegmentLength: 8192,
		MaxXmitDataSegmentLength: 8192,
		MaxBurstLength:           262144,
		FirstBurstLength:         65536,
		DefaultTime2Wait:         2,
		DefaultTime2Retain:       20,
		MaxOutstandingR2T:        1,
		ErrorRecoveryLevel:       0,
		ImmediateData:            true,
		InitialR2T:               false,
		DataPDUInOrder:           true,
		DataSequenceInOrder:      true,
	}
}

// PendingWrite tracks one in-flight WRITE command's reassembly. lba and
// transferLengthBlocks are captured once, at SCSI Command time, directly
// from the CDB — they are never recomputed from a Data-Out PDU's
// buffer offset, which is a within-transfer byte offset rather than a
// device address.
type PendingWrite struct {
	LBA                  uint64
	TransferLengthBlocks uint32
	BlockSize            uint32
	Buffer               []byte
	BytesReceived        uint32
	ExpectedTotal        uint32
	NextDataSN           uint32
}

func newPendingWrite(lba uint64, blocks uint32, blockSize uint32) *PendingWrite {
	total := blocks * blockSize
	return &PendingWrite{
		LBA:                  lba,
		TransferLengthBlocks: blocks,
		BlockSize:            blockSize,
		Buffer:               make([]byte, total),
		ExpectedTotal:        total,
	}
}

// maxPendingWrites bounds the per-session pending-write index so a
// misbehaving peer cannot trigger unbounded allocation.
const maxPendingWrites = 64

// Session is the logical context for one initiator/target relationship.
type Session struct {
	mu sync.Mutex

	State       SessionState
	SessionType SessionType

	ISID [6]byte
	CID  uint16
	TSIH uint16

	InitiatorName string
	TargetName    string

	Params    SessionParams
	configured SessionParams

	ExpCmdSN uint32
	MaxCmdSN uint32
	StatSN   uint32

	PendingWrites map[uint32]*PendingWrite

	chap       *ChapState
	authOK     bool
	mutualDone bool
}

// NewSession creates a session in the Free state, ready for its first
// Login Request.
func NewSession() *Session {
	return &Session{
		State:         StateFree,
		Params:        DefaultSessionParams(),
		configured:    DefaultSessionParams(),
		PendingWrites: make(map[uint32]*PendingWrite),
	}
}

// snInWindow reports whether s, compared against exp/max using mod-2^32
// signed-difference arithmetic, falls within [exp, max].
func snInWindow(s, exp, max uint32) bool {
	lo := int32(s - exp)
	hi := int32(max - s)
	return lo >= 0 && hi >= 0
}

// InWindow reports whether cmdSN is currently admissible.
func (s *Session) InWindow(cmdSN uint32) bool {
	return snInWindow(cmdSN, s.ExpCmdSN, s.MaxCmdSN)
}

// Advance moves the command window forward by one after processing the
// expected CmdSN.
func (s *Session) Advance() {
	s.ExpCmdSN++
	s.MaxCmdSN++
}

// --- TSIH generation ---
//
// TSIH values come from a monotonic, process-wide counter seeded once
// from a cryptographically random non-zero value. Wall-clock time never
// participates: concurrent logins within the same instant still receive
// distinct handles, and the counter can never collide with "0" (reserved
// to mean "no session yet").

var tsihMu sync.Mutex
var tsihNext uint16

func init() {
	tsihNext = randomNonZeroUint16()
}

func randomNonZeroUint16() uint16 {
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing is effectively unrecoverable; a
			// non-zero fallback keeps the invariant.
			return 1
		}
		v := binary.BigEndian.Uint16(b[:])
		if v != 0 {
			return v
		}
	}
}

func nextTSIH() uint16 {
	tsihMu.Lock()
	defer tsihMu.Unlock()
	v := tsihNext
	tsihNext++
	if tsihNext == 0 {
		tsihNext = 1
	}
	return v
}

// ApplyInitiatorParam merges one key/value pair the initiator offered
// into the session's negotiated parameters, using configured as the
// ceiling/floor per the reconciliation rules. Unknown keys are reported
// via the bool return so the caller can log-and-ignore them without
// failing the login.
func (s *Session) ApplyInitiatorParam(key, value string) (recognized bool, err error) {
	p := &s.Params
	switch key {
	case "MaxRecvDataSegmentLength":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		// The initiator's own recv cap becomes this target's xmit cap.
		p.MaxXmitDataSegmentLength = v
	case "MaxBurstLength":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.MaxBurstLength = minU32(v, s.configured.MaxBurstLength)
	case "FirstBurstLength":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.FirstBurstLength = minU32(v, s.configured.FirstBurstLength)
	case "DefaultTime2Retain":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.DefaultTime2Retain = minU32(v, s.configured.DefaultTime2Retain)
	case "MaxOutstandingR2T":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.MaxOutstandingR2T = minU32(v, s.configured.MaxOutstandingR2T)
	case "DefaultTime2Wait":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.DefaultTime2Wait = maxU32(v, s.configured.DefaultTime2Wait)
	case "ErrorRecoveryLevel":
		v, err := parseUint32(value)
		if err != nil {
			return true, err
		}
		p.ErrorRecoveryLevel = minU32(v, s.configured.ErrorRecoveryLevel)
	case "ImmediateData":
		v, err := parseYesNo(value)
		if err != nil {
			return true, err
		}
		p.ImmediateData = v && s.configured.ImmediateData
	case "InitialR2T":
		v, err := parseYesNo(value)
		if err != nil {
			return true, err
		}
		p.InitialR2T = v || s.configured.InitialR2T
	case "DataPDUInOrder":
		v, err := parseYesNo(value)
		if err != nil {
			return true, err
		}
		p.DataPDUInOrder = v || s.configured.DataPDUInOrder
	case "DataSequenceInOrder":
		v, err := parseYesNo(value)
		if err != nil {
			return true, err
		}
		p.DataSequenceInOrder = v || s.configured.DataSequenceInOrder
	case "HeaderDigest", "DataDigest":
		// Target picks None regardless of what was offered; handled by
		// the response builder, nothing to store.
	case "InitiatorName":
		s.InitiatorName = value
	case "InitiatorAlias":
		// accepted; the value is not kept
	case "TargetAlias":
		// accepted; the value is not kept
	case "SessionType":
		if value == "Discovery" {
			s.SessionType = SessionDiscovery
		} else {
			s.SessionType = SessionNormal
		}
	case "TargetName":
		s.TargetName = value
	case "AuthMethod":
		// handled separately by the login state machine, which needs
		// ordered access to the whole list, not just one value.
	default:
		return false, nil
	}
	return true, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, &SessionError{StatusClass: StatusClassInitiatorErr, Detail: DetailMissingParam, Reason: fmt.Sprintf("bad integer parameter %q", s)}
	}
	return uint32(v), nil
}

func parseYesNo(s string) (bool, error) {
	switch s {
	case "Yes":
		return true, nil
	case "No":
		return false, nil
	default:
		return false, &SessionError{StatusClass: StatusClassInitiatorErr, Detail: DetailMissingParam, Reason: fmt.Sprintf("bad boolean parameter %q", s)}
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// --- Login processing ---

func stageOf(csg byte) SessionState {
	switch LoginStage(csg) {
	case StageSecurityNegotiation:
		return StateSecNeg
	case StageLoginOperationalNegotiation:
		return StateOpNeg
	default:
		return StateFailed
	}
}

// ProcessLogin implements the login state machine of SPEC_FULL.md section
// 4.4. It never echoes the initiator's requested Transit/CSG/NSG blindly:
// the response's stage fields always reflect the state the target
// actually holds afterward. While a required CHAP exchange is unfinished,
// a request with Transit set is answered with Transit clear and the stage
// unchanged; a transition allowedTransition does not permit yields
// INVALID_DURING_LOGIN rather than a falsely agreeable echo.
func (s *Session) ProcessLogin(req *PDU, cfg *TargetConfig) (*PDU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := NewPDU(OpLoginResponse)
	resp.SetISID(req.ISID())
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.SetVersionMax(0x00)
	resp.SetVersionActive(0x00)

	if s.State == StateFree {
		s.ISID = req.ISID()
		s.CID = uint16(req.InitiatorTaskTag() >> 16) // best-effort connection correlation
		s.ExpCmdSN = req.CmdSN()
		s.MaxCmdSN = req.CmdSN() + 1
		s.TSIH = 0
		s.State = stageOf(byte(req.CSG()))
		if s.State == StateFailed {
			return s.loginReject(resp, req, StatusClassInitiatorErr, DetailInvalidDuringLogin)
		}
	}

	params, err := DecodeTextParams(req.Data)
	if err != nil {
		return s.loginReject(resp, req, StatusClassInitiatorErr, DetailMissingParam)
	}
	respParams := &TextParams{}

	for _, kv := range params.All() {
		if kv[0] == "AuthMethod" {
			continue
		}
		if _, err := s.ApplyInitiatorParam(kv[0], kv[1]); err != nil {
			return s.loginReject(resp, req, StatusClassInitiatorErr, DetailMissingParam)
		}
	}

	if name, ok := params.Get("TargetName"); ok {
		if name != cfg.TargetName {
			return s.loginReject(resp, req, StatusClassInitiatorErr, DetailTargetNotFound)
		}
	}

	authMethod, hasAuthMethod := params.Get("AuthMethod")
	if s.State == StateSecNeg {
		ok, rejected := s.negotiateAuth(authMethod, hasAuthMethod, params, respParams, cfg)
		if rejected != nil {
			return s.loginReject(resp, req, StatusClassInitiatorErr, DetailAuthFailure)
		}
		if !ok {
			// More SecNeg round-trips required: respond without
			// transiting, even if the initiator asked to.
			resp.SetLoginFlags(false, req.Continue(), StageSecurityNegotiation, StageSecurityNegotiation)
			s.fillCommonLoginResponse(resp, req, respParams)
			return resp, nil
		}
	}

	transit := req.Transit()
	if !transit {
		csg := currentCSG(s.State)
		resp.SetLoginFlags(false, req.Continue(), csg, csg)
		s.fillCommonLoginResponse(resp, req, respParams)
		return resp, nil
	}

	requestedNSG := req.NSG()
	allowed, nextState := s.allowedTransition(requestedNSG, cfg)
	if !allowed {
		return s.loginReject(resp, req, StatusClassInitiatorErr, DetailInvalidDuringLogin)
	}

	prevCSG := currentCSG(s.State)
	s.State = nextState
	nextCSG := currentCSG(s.State)
	if prevCSG == StageSecurityNegotiation {
		s.chap = nil
	}

	if s.State == StateFullFeature && s.SessionType == SessionNormal && s.TSIH == 0 {
		s.TSIH = nextTSIH()
	}
	resp.SetTSIH(s.TSIH)

	resp.SetLoginFlags(true, false, prevCSG, nextCSG)
	if s.State == StateFullFeature && s.SessionType == SessionNormal {
		s.fillFullFeatureParams(respParams)
	}
	s.fillCommonLoginResponse(resp, req, respParams)
	return resp, nil
}

func currentCSG(state SessionState) LoginStage {
	switch state {
	case StateSecNeg:
		return StageSecurityNegotiation
	case StateOpNeg:
		return StageLoginOperationalNegotiation
	default:
		return StageFullFeaturePhase
	}
}

// allowedTransition computes the only transitions policy permits:
// SecNeg->OpNeg, SecNeg->FullFeature (only once auth, if required, has
// succeeded), OpNeg->FullFeature. Anything else is invalid.
func (s *Session) allowedTransition(nsg LoginStage, cfg *TargetConfig) (bool, SessionState) {
	switch s.State {
	case StateSecNeg:
		if nsg == StageLoginOperationalNegotiation {
			return true, StateOpNeg
		}
		if nsg == StageFullFeaturePhase {
			if cfg.Auth.RequiresAuth() && !s.authOK {
				return false, StateFailed
			}
			return true, StateFullFeature
		}
		return false, StateFailed
	case StateOpNeg:
		if nsg == StageFullFeaturePhase {
			return true, StateFullFeature
		}
		return false, StateFailed
	default:
		return false, StateFailed
	}
}

// negotiateAuth drives the CHAP exchange during SecNeg. It returns
// ok=true once authentication (and, for mutual CHAP, the target's own
// proof) has succeeded; ok=false means more round-trips are needed.
func (s *Session) negotiateAuth(offer string, hasOffer bool, in *TextParams, out *TextParams, cfg *TargetConfig) (ok bool, rejectErr error) {
	if !cfg.Auth.RequiresAuth() {
		if hasOffer {
			out.Add("AuthMethod", "None")
		}
		s.authOK = true
		return true, nil
	}

	if hasOffer && offer == "None" {
		return false, &AuthError{Reason: "policy requires CHAP but initiator offered None"}
	}

	if hasOffer && s.chap == nil {
		// First round: announce CHAP and issue the target's challenge.
		out.Add("AuthMethod", "CHAP")
		chap, err := NewChapState(false)
		if err != nil {
			return false, err
		}
		s.chap = chap
		out.Add("CHAP_A", "5")
		out.Add("CHAP_I", chap.IdentifierString())
		out.Add("CHAP_C", chap.ChallengeHex())
		return false, nil
	}

	if s.chap != nil && !s.authOK {
		respHex, hasResp := in.Get("CHAP_R")
		if !hasResp {
			// Still waiting on the initiator's response.
			return false, nil
		}
		resp, err := ParseChapResponse(respHex)
		if err != nil {
			return false, err
		}
		if !s.chap.ValidateResponse(resp, cfg.Auth.TargetCredentials.Secret) {
			return false, &AuthError{Reason: "CHAP response mismatch"}
		}
		s.authOK = true
		if cfg.Auth.IsMutual() && !s.mutualDone {
			mutual, err := NewChapState(true)
			if err != nil {
				return false, err
			}
			s.chap = mutual
			out.Add("CHAP_I", mutual.IdentifierString())
			out.Add("CHAP_C", mutual.ChallengeHex())
			s.mutualDone = true
			return false, nil
		}
		return true, nil
	}

	if s.mutualDone && cfg.Auth.IsMutual() {
		// Target proves itself using the initiator-configured secret.
		response := s.chap.CalculateResponse(cfg.Auth.InitiatorCredentials.Secret)
		out.Add("CHAP_N", cfg.Auth.InitiatorCredentials.Username)
		out.Add("CHAP_R", "0x"+hexEncode(response))
		return true, nil
	}

	return s.authOK, nil
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0xf]
	}
	return string(out)
}

func (s *Session) fillCommonLoginResponse(resp *PDU, req *PDU, params *TextParams) {
	resp.SetStatusClass(StatusClassSuccess)
	resp.SetStatusDetail(DetailSuccess)
	resp.SetExpCmdSN(s.ExpCmdSN)
	resp.SetMaxCmdSN(s.MaxCmdSN)
	resp.SetStatSN(s.StatSN)
	s.StatSN++
	resp.Data = EncodeTextParams(params)
}

func (s *Session) loginReject(resp *PDU, req *PDU, class, detail byte) (*PDU, error) {
	s.State = StateFailed
	resp.SetStatusClass(class)
	resp.SetStatusDetail(detail)
	resp.SetExpCmdSN(s.ExpCmdSN)
	resp.SetMaxCmdSN(s.MaxCmdSN)
	resp.SetStatSN(s.StatSN)
	s.StatSN++
	return resp, fmt.Errorf("iscsi: login rejected (class 0x%02x detail 0x%02x)", class, detail)
}

// fillFullFeatureParams emits the full negotiated parameter set for
// Normal sessions entering FullFeature, per step 6 of the login rule.
// ProcessLogin does not call it for Discovery sessions; their login
// responses do not echo the operational keys the initiator sent.
func (s *Session) fillFullFeatureParams(params *TextParams) {
	p := s.Params
	params.Add("MaxRecvDataSegmentLength", fmt.Sprintf("%d", p.MaxRecvDataSegmentLength))
	params.Add("MaxBurstLength", fmt.Sprintf("%d", p.MaxBurstLength))
	params.Add("FirstBurstLength", fmt.Sprintf("%d", p.FirstBurstLength))
	params.Add("DefaultTime2Wait", fmt.Sprintf("%d", p.DefaultTime2Wait))
	params.Add("DefaultTime2Retain", fmt.Sprintf("%d", p.DefaultTime2Retain))
	params.Add("MaxOutstandingR2T", fmt.Sprintf("%d", p.MaxOutstandingR2T))
	params.Add("ErrorRecoveryLevel", fmt.Sprintf("%d", p.ErrorRecoveryLevel))
	params.Add("ImmediateData", yesNo(p.ImmediateData))
	params.Add("InitialR2T", yesNo(p.InitialR2T))
	params.Add("DataPDUInOrder", yesNo(p.DataPDUInOrder))
	params.Add("DataSequenceInOrder", yesNo(p.DataSequenceInOrder))
	params.Add("HeaderDigest", "None")
	params.Add("DataDigest", "None")
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// --- SCSI Command / Data-Out handling ---

// BeginWrite registers a PendingWrite for a WRITE CDB, keyed by
// initiator task tag. It rejects the command with
// (ABORTED_COMMAND, 0x0C, 0x09) "insufficient resources" when the
// pending-write index is already at its bound.
func (s *Session) BeginWrite(itt uint32, lba uint64, blocks uint32, blockSize uint32) (*PendingWrite, *ScsiError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.PendingWrites) >= maxPendingWrites {
		return nil, &ScsiError{SenseKey: scsi.SenseAbortedCommand, ASC: 0x0c, ASCQ: 0x09, Reason: "pending write table full"}
	}
	pw := newPendingWrite(lba, blocks, blockSize)
	s.PendingWrites[itt] = pw
	return pw, nil
}

// ApplyDataOut folds one SCSI Data-Out PDU's payload into its
// PendingWrite. It enforces buffer_offset+len(data) <= expected total and
// strictly increasing data_sn; it returns a *ScsiError (and evicts the
// PendingWrite) on violation, and reports done=true once the final chunk
// has landed.
func (s *Session) ApplyDataOut(itt uint32, bufferOffset, dataSN uint32, data []byte, final bool) (done bool, pw *PendingWrite, scsiErr *ScsiError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.PendingWrites[itt]
	if !ok {
		return false, nil, &ScsiError{SenseKey: scsi.SenseIllegalRequest, ASC: 0x24, ASCQ: 0x00, Reason: "data-out for unknown task tag"}
	}
	if dataSN < pw.NextDataSN {
		delete(s.PendingWrites, itt)
		return false, nil, &ScsiError{SenseKey: scsi.SenseIllegalRequest, ASC: 0x24, ASCQ: 0x00, Reason: "data_sn not strictly increasing"}
	}
	if uint64(bufferOffset)+uint64(len(data)) > uint64(pw.ExpectedTotal) {
		delete(s.PendingWrites, itt)
		return false, nil, &ScsiError{SenseKey: scsi.SenseIllegalRequest, ASC: 0x24, ASCQ: 0x00, Reason: "data-out exceeds expected transfer length"}
	}
	copy(pw.Buffer[bufferOffset:], data)
	pw.BytesReceived += uint32(len(data))
	pw.NextDataSN = dataSN + 1

	if !final {
		return false, pw, nil
	}
	if pw.BytesReceived != pw.ExpectedTotal {
		delete(s.PendingWrites, itt)
		return false, nil, &ScsiError{SenseKey: scsi.SenseIllegalRequest, ASC: 0x24, ASCQ: 0x00, Reason: "final data-out but transfer incomplete"}
	}
	delete(s.PendingWrites, itt)
	return true, pw, nil
}

// DropPendingWrites discards every in-flight write for the session
// without flushing any partial write to the backend.
func (s *Session) DropPendingWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingWrites = make(map[uint32]*PendingWrite)
}

// --- NOP, Logout, Text/Discovery ---

// HandleNop answers a NOP-Out that expects a reply (itt != 0xffffffff)
// with a NOP-In echoing the same payload.
func (s *Session) HandleNop(req *PDU) *PDU {
	resp := NewPDU(OpNopIn)
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.Data = append([]byte(nil), req.Data...)
	s.mu.Lock()
	resp.SetStatSN(s.StatSN)
	s.StatSN++
	resp.SetExpCmdSN(s.ExpCmdSN)
	resp.SetMaxCmdSN(s.MaxCmdSN)
	s.mu.Unlock()
	return resp
}

// HandleLogout builds a Logout Response echoing the reason code and the
// session's negotiated Time2Wait/Time2Retain, and transitions the session
// to StateLogout.
func (s *Session) HandleLogout(req *PDU) *PDU {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := NewPDU(OpLogoutResponse)
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.SetFinal(true)
	resp.SetLogoutReason(req.LogoutReason())
	resp.header[offOpSpecific2] = 0x00 // response: logout succeeded
	resp.SetTime2Wait(uint16(s.Params.DefaultTime2Wait))
	resp.SetTime2Retain(uint16(s.Params.DefaultTime2Retain))
	resp.SetStatSN(s.StatSN)
	s.StatSN++
	resp.SetExpCmdSN(s.ExpCmdSN)
	resp.SetMaxCmdSN(s.MaxCmdSN)
	s.State = StateLogout
	return resp
}

// HandleText answers a Text Request. In a Discovery session with
// SendTargets=All it lists every configured target's name and address; in
// a Normal session, or for any other/unknown key, it returns an empty
// response (per SPEC_FULL.md section 4.4's miscellany rule).
func (s *Session) HandleText(req *PDU, cfg *TargetConfig) (*PDU, error) {
	in, err := DecodeTextParams(req.Data)
	if err != nil {
		return nil, &InvalidPduError{Reason: err.Error()}
	}
	out := &TextParams{}

	s.mu.Lock()
	sessType := s.SessionType
	s.mu.Unlock()

	if sendTargets, ok := in.Get("SendTargets"); ok && sessType == SessionDiscovery && sendTargets == "All" {
		out.Add("TargetName", cfg.TargetName)
		out.Add("TargetAddress", fmt.Sprintf("%s,%d", cfg.BindAddr, 1))
	}

	resp := NewPDU(OpTextResponse)
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.SetFinal(true)
	resp.Data = EncodeTextParams(out)

	s.mu.Lock()
	resp.SetStatSN(s.StatSN)
	s.StatSN++
	resp.SetExpCmdSN(s.ExpCmdSN)
	resp.SetMaxCmdSN(s.MaxCmdSN)
	s.mu.Unlock()
	return resp, nil
}

// --- Read data framing ---

// BuildDataIn splits a READ response into SCSI Data-In PDUs of at most
// maxSeg bytes each, per SPEC_FULL.md's read data framing rule. The last
// PDU carries final=true, status=true and the given SCSI status; it never
// needs a trailing SCSI Response.
func BuildDataIn(itt uint32, data []byte, status byte, maxSeg uint32) []*PDU {
	if maxSeg == 0 {
		maxSeg = 8192
	}
	if len(data) == 0 {
		p := NewPDU(OpSCSIDataIn)
		p.SetInitiatorTaskTag(itt)
		p.SetFinal(true)
		p.SetStatusPresent(true)
		p.SetStatus(status)
		return []*PDU{p}
	}
	var pdus []*PDU
	var dataSN uint32
	offset := 0
	for offset < len(data) {
		end := offset + int(maxSeg)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		p := NewPDU(OpSCSIDataIn)
		p.SetInitiatorTaskTag(itt)
		p.SetDataSN(dataSN)
		p.SetBufferOffset(uint32(offset))
		p.Data = chunk
		isLast := end == len(data)
		p.SetFinal(isLast)
		if isLast {
			p.SetStatusPresent(true)
			p.SetStatus(status)
		}
		pdus = append(pdus, p)
		dataSN++
		offset = end
	}
	return pdus
}
