package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(t.TempDir(), "abc123", zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegister_IdempotentWithIdenticalDescriptor(t *testing.T) {
	r := newTestRegistry(t)
	caps := model.Capabilities{MaxAgents: 8}
	ver := model.VersionFingerprint{GitCommit: "abc123"}

	s1, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, caps, ver, "ref1")
	require.NoError(t, err)
	assert.Equal(t, model.SlaveOnline, s1.Status)

	s2, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, caps, ver, "ref1")
	require.NoError(t, err)
	assert.Equal(t, s1.SlaveID, s2.SlaveID)
}

func TestRegister_ConflictOnDifferentEndpoint(t *testing.T) {
	r := newTestRegistry(t)
	caps := model.Capabilities{MaxAgents: 8}
	ver := model.VersionFingerprint{GitCommit: "abc123"}

	_, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, caps, ver, "ref1")
	require.NoError(t, err)

	_, err = r.Register("raspi-001", "10.0.0.2", 8080, model.DeviceSingleBoard, caps, ver, "ref1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestRegister_VersionMismatchFlagged(t *testing.T) {
	r := newTestRegistry(t)
	ver := model.VersionFingerprint{GitCommit: "def456"}
	s, err := r.Register("raspi-002", "10.0.0.2", 8080, model.DeviceSingleBoard, model.Capabilities{MaxAgents: 4}, ver, "ref2")
	require.NoError(t, err)
	assert.Equal(t, model.SlaveVersionMismatch, s.Status)
}

func TestHeartbeat_UpdatesLastSeenAndReconciles(t *testing.T) {
	r := newTestRegistry(t)
	ver := model.VersionFingerprint{GitCommit: "abc123"}
	_, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, model.Capabilities{MaxAgents: 8}, ver, "ref1")
	require.NoError(t, err)

	res, err := r.Heartbeat("raspi-001", map[string]string{"A": "active"}, model.ResourceUsage{CPUPercent: 10}, ver)
	require.NoError(t, err)
	assert.Equal(t, model.SlaveOnline, res.Slave.Status)
	assert.WithinDuration(t, time.Now(), res.Slave.LastSeenAt, 2*time.Second)
}

func TestHeartbeat_UnknownSlave(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Heartbeat("ghost", nil, model.ResourceUsage{}, model.VersionFingerprint{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestSweepOffline_MarksStaleSlaves(t *testing.T) {
	r := newTestRegistry(t)
	ver := model.VersionFingerprint{GitCommit: "abc123"}
	_, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, model.Capabilities{MaxAgents: 8}, ver, "ref1")
	require.NoError(t, err)

	r.mu.Lock()
	r.slaves["raspi-001"].LastSeenAt = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	transitioned := r.SweepOffline(nil, LivenessWindow)
	assert.Equal(t, []string{"raspi-001"}, transitioned)

	s, ok := r.Get("raspi-001")
	require.True(t, ok)
	assert.Equal(t, model.SlaveOffline, s.Status)
}

func TestUnregister_RemovesSlave(t *testing.T) {
	r := newTestRegistry(t)
	ver := model.VersionFingerprint{GitCommit: "abc123"}
	_, err := r.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, model.Capabilities{MaxAgents: 8}, ver, "ref1")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("raspi-001"))
	_, ok := r.Get("raspi-001")
	assert.False(t, ok)
}

func TestPersistence_SnapshotReloadsConsistently(t *testing.T) {
	dir := t.TempDir()
	r1, err := New(dir, "abc123", zap.NewNop())
	require.NoError(t, err)
	ver := model.VersionFingerprint{GitCommit: "abc123"}
	_, err = r1.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard, model.Capabilities{MaxAgents: 8}, ver, "ref1")
	require.NoError(t, err)

	r2, err := New(dir, "abc123", zap.NewNop())
	require.NoError(t, err)
	s, ok := r2.Get("raspi-001")
	require.True(t, ok)
	assert.Equal(t, "raspi-001", s.SlaveID)
}
