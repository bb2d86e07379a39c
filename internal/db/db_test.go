package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/explorer/internal/mission"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "explorer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Compile-time checks that the journal plugs into the mission and tracker.
var (
	_ mission.Journal = (*DB)(nil)
	_ pose.Sink       = (*DB)(nil)
)

func TestPragmasApplied(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestMigrationsApplyAndRollBack(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// re-running is a no-op
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='poses'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	start := time.Unix(1700000000, 0).UTC()
	id := uuid.New()

	assert.ErrorIs(t, db.RecordPose(pose.Pose2D{}, start), ErrNoMission)

	require.NoError(t, db.RecordMission(id, start))
	assert.Equal(t, id, db.CurrentMission())

	frontierGoal := mission.Goal{ID: uuid.New(), X: 1.5, Y: -2}
	homeGoal := mission.Goal{ID: uuid.New(), X: 0, Y: 0, Home: true}
	require.NoError(t, db.RecordGoal(id, frontierGoal, start.Add(time.Second)))
	require.NoError(t, db.RecordGoalEvent(frontierGoal.ID, mission.GoalAccepted, "", start.Add(2*time.Second)))
	require.NoError(t, db.RecordGoalEvent(frontierGoal.ID, mission.GoalFailed, "blocked", start.Add(3*time.Second)))

	require.NoError(t, db.RecordTransition(id, mission.Exploring, mission.ReturningHome, "no frontiers remaining", start.Add(4*time.Second)))
	require.NoError(t, db.RecordGoal(id, homeGoal, start.Add(4*time.Second)))
	require.NoError(t, db.RecordGoalEvent(homeGoal.ID, mission.GoalSucceeded, "", start.Add(5*time.Second)))
	require.NoError(t, db.RecordTransition(id, mission.ReturningHome, mission.ShuttingDown, "returned home", start.Add(6*time.Second)))

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordPose(pose.Pose2D{X: float64(i), Y: 1, Yaw: 0.1}, start.Add(time.Duration(i)*time.Second)))
	}

	missions, err := db.Missions(10)
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, id, missions[0].ID)
	assert.Equal(t, start, missions[0].StartedAt)
	assert.Equal(t, "SHUTTING_DOWN", missions[0].FinalState)
	assert.Equal(t, 2, missions[0].Goals)
	require.NotNil(t, missions[0].EndedAt)
	assert.Equal(t, start.Add(6*time.Second), *missions[0].EndedAt)

	transitions, err := db.Transitions(id)
	require.NoError(t, err)
	want := []TransitionRecord{
		{From: "EXPLORING", To: "RETURNING_HOME", Reason: "no frontiers remaining", At: start.Add(4 * time.Second)},
		{From: "RETURNING_HOME", To: "SHUTTING_DOWN", Reason: "returned home", At: start.Add(6 * time.Second)},
	}
	if diff := cmp.Diff(want, transitions); diff != "" {
		t.Errorf("Transitions() mismatch (-want +got):\n%s", diff)
	}

	goals, err := db.Goals(id)
	require.NoError(t, err)
	wantGoals := []GoalRecord{
		{ID: frontierGoal.ID, X: 1.5, Y: -2, LastStatus: "failed"},
		{ID: homeGoal.ID, Home: true, LastStatus: "succeeded"},
	}
	if diff := cmp.Diff(wantGoals, goals); diff != "" {
		t.Errorf("Goals() mismatch (-want +got):\n%s", diff)
	}

	poses, err := db.Poses(id, 3)
	require.NoError(t, err)
	require.Len(t, poses, 3)
	assert.Equal(t, 2.0, poses[0].X, "oldest of the most recent three")
	assert.Equal(t, 4.0, poses[2].X)
}

func TestRecordMissionDuplicate(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	id := uuid.New()
	require.NoError(t, db.RecordMission(id, time.Now()))
	assert.Error(t, db.RecordMission(id, time.Now()))
}

func TestBackupRoute(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	require.NoError(t, db.RecordMission(uuid.New(), time.Now()))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	// tsweb debug routes only answer loopback callers
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
