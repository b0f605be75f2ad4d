package iscsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnInWindow(t *testing.T) {
	assert.True(t, snInWindow(5, 5, 10))
	assert.True(t, snInWindow(10, 5, 10))
	assert.False(t, snInWindow(11, 5, 10))
	assert.False(t, snInWindow(4, 5, 10))

	// wraps past 2^32
	assert.True(t, snInWindow(0, 0xfffffffe, 2))
}

func TestSessionAdvanceNeverContracts(t *testing.T) {
	s := NewSession()
	s.ExpCmdSN, s.MaxCmdSN = 10, 11
	s.Advance()
	assert.Equal(t, uint32(11), s.ExpCmdSN)
	assert.Equal(t, uint32(12), s.MaxCmdSN)
	assert.True(t, s.ExpCmdSN <= s.MaxCmdSN)
}

func TestApplyInitiatorParamReconciliation(t *testing.T) {
	s := NewSession()

	ok, err := s.ApplyInitiatorParam("MaxBurstLength", "1000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), s.Params.MaxBurstLength) // min(1000, 262144)

	ok, err = s.ApplyInitiatorParam("DefaultTime2Wait", "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), s.Params.DefaultTime2Wait) // max(0, 2)

	ok, err = s.ApplyInitiatorParam("ImmediateData", "No")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, s.Params.ImmediateData) // AND: No && Yes = No

	ok, err = s.ApplyInitiatorParam("InitialR2T", "Yes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.Params.InitialR2T) // OR: Yes || No = Yes

	ok, err = s.ApplyInitiatorParam("SomeUnknownKey", "value")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTSIHGenerationIsUniqueAndNonZero(t *testing.T) {
	seen := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		v := nextTSIH()
		require.NotZero(t, v)
		require.False(t, seen[v], "tsih %d generated twice", v)
		seen[v] = true
	}
}

func TestProcessLoginDiscoverySession(t *testing.T) {
	cfg := &TargetConfig{BindAddr: "0.0.0.0:3260", TargetName: "iqn.2025-12.local:storage.x"}
	sess := NewSession()

	req := NewPDU(OpLoginRequest)
	req.SetLoginFlags(true, false, StageSecurityNegotiation, StageLoginOperationalNegotiation)
	req.SetCmdSN(1)
	tp := &TextParams{}
	tp.Add("SessionType", "Discovery")
	tp.Add("AuthMethod", "None")
	req.Data = EncodeTextParams(tp)

	resp, err := sess.ProcessLogin(req, cfg)
	require.NoError(t, err)
	assert.Equal(t, byte(StatusClassSuccess), resp.StatusClass())
	assert.Equal(t, StageSecurityNegotiation, resp.CSG())
	assert.Equal(t, StageLoginOperationalNegotiation, resp.NSG())
	assert.True(t, resp.Transit())
	assert.Equal(t, StateOpNeg, sess.State)
	assert.Equal(t, uint16(0), sess.TSIH)

	req2 := NewPDU(OpLoginRequest)
	req2.SetLoginFlags(true, false, StageLoginOperationalNegotiation, StageFullFeaturePhase)
	req2.SetCmdSN(2)
	req2.Data = nil
	resp2, err := sess.ProcessLogin(req2, cfg)
	require.NoError(t, err)
	assert.Equal(t, StateFullFeature, sess.State)
	assert.Equal(t, uint16(0), sess.TSIH) // Discovery sessions never get a TSIH
	assert.True(t, resp2.Transit())
	assert.Equal(t, StageLoginOperationalNegotiation, resp2.CSG())
	assert.Equal(t, StageFullFeaturePhase, resp2.NSG())
}

func TestProcessLoginNormalSessionAssignsTSIHOnce(t *testing.T) {
	cfg := &TargetConfig{BindAddr: "0.0.0.0:3260", TargetName: "iqn.2025-12.local:storage.x"}
	sess := NewSession()

	req := NewPDU(OpLoginRequest)
	req.SetLoginFlags(true, false, StageSecurityNegotiation, StageFullFeaturePhase)
	req.SetCmdSN(1)
	tp := &TextParams{}
	tp.Add("SessionType", "Normal")
	tp.Add("AuthMethod", "None")
	req.Data = EncodeTextParams(tp)

	resp, err := sess.ProcessLogin(req, cfg)
	require.NoError(t, err)
	assert.Equal(t, StateFullFeature, sess.State)
	assert.NotZero(t, sess.TSIH)
	firstTSIH := sess.TSIH
	_ = resp

	// Re-processing (e.g. a retransmit) must not reassign.
	_, _ = sess.ProcessLogin(req, cfg)
	assert.Equal(t, firstTSIH, sess.TSIH)
}

func TestProcessLoginRejectsUnknownTargetName(t *testing.T) {
	cfg := &TargetConfig{BindAddr: "0.0.0.0:3260", TargetName: "iqn.2025-12.local:storage.x"}
	sess := NewSession()

	req := NewPDU(OpLoginRequest)
	req.SetLoginFlags(false, false, StageSecurityNegotiation, StageSecurityNegotiation)
	req.SetCmdSN(1)
	tp := &TextParams{}
	tp.Add("TargetName", "iqn.wrong.target")
	req.Data = EncodeTextParams(tp)

	_, err := sess.ProcessLogin(req, cfg)
	require.Error(t, err)
	assert.Equal(t, StateFailed, sess.State)
}

func TestProcessLoginRejectsInvalidTransition(t *testing.T) {
	cfg := &TargetConfig{BindAddr: "0.0.0.0:3260", TargetName: "iqn.2025-12.local:storage.x"}
	sess := NewSession()
	sess.State = StateOpNeg // pretend we are mid-negotiation

	req := NewPDU(OpLoginRequest)
	req.SetLoginFlags(true, false, StageLoginOperationalNegotiation, StageSecurityNegotiation) // backward, invalid
	req.SetCmdSN(5)
	req.Data = nil

	_, err := sess.ProcessLogin(req, cfg)
	require.Error(t, err)
}

func TestProcessLoginRejectsFullFeatureWithoutAuth(t *testing.T) {
	cfg := &TargetConfig{
		BindAddr:   "0.0.0.0:3260",
		TargetName: "iqn.2025-12.local:storage.x",
		Auth: AuthConfig{
			Kind:              AuthChap,
			TargetCredentials: ChapCredentials{Username: "u", Secret: "good"},
		},
	}
	sess := NewSession()

	req := NewPDU(OpLoginRequest)
	req.SetLoginFlags(true, false, StageSecurityNegotiation, StageFullFeaturePhase)
	req.SetCmdSN(1)
	tp := &TextParams{}
	tp.Add("AuthMethod", "None")
	req.Data = EncodeTextParams(tp)

	_, err := sess.ProcessLogin(req, cfg)
	require.Error(t, err)
}

func TestBeginWriteRejectsWhenFull(t *testing.T) {
	sess := NewSession()
	for i := uint32(0); i < maxPendingWrites; i++ {
		_, scsiErr := sess.BeginWrite(i, 0, 1, 512)
		require.Nil(t, scsiErr)
	}
	_, scsiErr := sess.BeginWrite(9999, 0, 1, 512)
	require.NotNil(t, scsiErr)
	assert.Equal(t, byte(0x0c), scsiErr.ASC)
}

func TestApplyDataOutAssemblesWrite(t *testing.T) {
	sess := NewSession()
	_, scsiErr := sess.BeginWrite(1, 0, 1, 512)
	require.Nil(t, scsiErr)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xcd
	}
	done, pw, scsiErr := sess.ApplyDataOut(1, 0, 0, payload, true)
	require.Nil(t, scsiErr)
	assert.True(t, done)
	assert.Equal(t, payload, pw.Buffer)
}

func TestApplyDataOutRejectsOverflow(t *testing.T) {
	sess := NewSession()
	_, scsiErr := sess.BeginWrite(1, 0, 1, 512)
	require.Nil(t, scsiErr)

	_, _, scsiErr = sess.ApplyDataOut(1, 1000, 0, make([]byte, 100), true)
	require.NotNil(t, scsiErr)
}

func TestApplyDataOutRejectsNonIncreasingDataSN(t *testing.T) {
	sess := NewSession()
	_, scsiErr := sess.BeginWrite(1, 0, 2, 512)
	require.Nil(t, scsiErr)

	_, _, scsiErr = sess.ApplyDataOut(1, 0, 5, make([]byte, 512), false)
	require.Nil(t, scsiErr)
	_, _, scsiErr = sess.ApplyDataOut(1, 512, 5, make([]byte, 512), true)
	require.NotNil(t, scsiErr)
}

func TestBuildDataInSplitsAndMarksFinal(t *testing.T) {
	data := make([]byte, 100)
	pdus := BuildDataIn(1, data, 0x00, 40)
	require.Len(t, pdus, 3)
	assert.False(t, pdus[0].Final())
	assert.False(t, pdus[1].Final())
	assert.True(t, pdus[2].Final())
	assert.True(t, pdus[2].StatusPresent())
}
