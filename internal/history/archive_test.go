package history

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotune/internal/pipeline"
	"github.com/quantfold/autotune/pkg/search"
)

func testSelection() *pipeline.Selection {
	params := search.ParameterSet{"fast_period": 9, "slow_period": 36}
	return &pipeline.Selection{
		Winner: &pipeline.CandidateResult{
			Params:     params,
			ParamsHash: "abcd1234",
			Composite:  1.42,
		},
		Candidates:  []*pipeline.CandidateResult{{ParamsHash: "abcd1234"}},
		Improvement: 0.31,
		Duration:    90 * time.Second,
		Searches: []pipeline.SegmentSearch{
			{
				Segment:   0,
				BestScore: 2.1,
				Trials: []search.TrialResult{
					{Number: 0, Params: params, ParamsHash: "abcd1234", Score: 2.1, Duration: time.Second},
					{Number: 1, Params: params, ParamsHash: "ffff0000", Score: math.Inf(-1), Failed: true, Error: "boom", Duration: time.Second},
				},
			},
		},
	}
}

// TestEnsureSchema verifies all schema statements are executed
func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tuning_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tuning_trials").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_tuning_trials_hash").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	archive := NewArchive(mock)
	require.NoError(t, archive.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEnsureSchemaError verifies a failed statement surfaces
func TestEnsureSchemaError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tuning_runs").
		WillReturnError(errors.New("permission denied"))

	archive := NewArchive(mock)
	err = archive.EnsureSchema(context.Background())
	assert.ErrorContains(t, err, "failed to create archive schema")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveRun verifies the run row and every trial row are inserted
func TestSaveRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sel := testSelection()
	startedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO tuning_runs").
		WithArgs(pgxmock.AnyArg(), startedAt, 1, 1, "abcd1234",
			pgxmock.AnyArg(), 1.42, 0.31, int64(90000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tuning_trials").
		WithArgs(pgxmock.AnyArg(), 0, 0, "abcd1234", pgxmock.AnyArg(),
			2.1, false, false, "", int64(1000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tuning_trials").
		WithArgs(pgxmock.AnyArg(), 0, 1, "ffff0000", pgxmock.AnyArg(),
			math.Inf(-1), true, false, "boom", int64(1000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	archive := NewArchive(mock)
	runID, err := archive.SaveRun(context.Background(), startedAt, sel)
	require.NoError(t, err)
	assert.NotEqual(t, runID.String(), "00000000-0000-0000-0000-000000000000")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveRunWithoutWinner verifies a no-selection cycle archives cleanly
func TestSaveRunWithoutWinner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sel := testSelection()
	sel.Winner = nil
	startedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO tuning_runs").
		WithArgs(pgxmock.AnyArg(), startedAt, 1, 1, "",
			pgxmock.AnyArg(), 0.0, 0.31, int64(90000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tuning_trials").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tuning_trials").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	archive := NewArchive(mock)
	_, err = archive.SaveRun(context.Background(), startedAt, sel)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveRunInsertError verifies trial insert errors abort the save
func TestSaveRunInsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO tuning_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tuning_trials").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	archive := NewArchive(mock)
	_, err = archive.SaveRun(context.Background(), time.Now(), testSelection())
	assert.ErrorContains(t, err, "failed to insert trial")
}

// TestLoadBadHashes verifies always-failed hashes are returned
func TestLoadBadHashes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"params_hash"}).
		AddRow("deadbeef").
		AddRow("ffff0000")
	mock.ExpectQuery("SELECT params_hash FROM tuning_trials").
		WillReturnRows(rows)

	archive := NewArchive(mock)
	hashes, err := archive.LoadBadHashes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"deadbeef", "ffff0000"}, hashes)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadBadHashesEmpty verifies an empty archive yields no hashes
func TestLoadBadHashesEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT params_hash FROM tuning_trials").
		WillReturnRows(pgxmock.NewRows([]string{"params_hash"}))

	archive := NewArchive(mock)
	hashes, err := archive.LoadBadHashes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hashes)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRecentRuns verifies run rows are scanned newest first
func TestRecentRuns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id1 := "0e4a1b6e-1111-4a7c-9c3e-000000000001"
	id2 := "0e4a1b6e-2222-4a7c-9c3e-000000000002"
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{
		"id", "started_at", "segments", "candidates", "winner_hash",
		"winner_params", "composite", "improvement", "duration_ms",
	}).
		AddRow(uuid.MustParse(id2), now, 4, 3, "abcd1234", []byte(`{"fast_period":9}`), 1.42, 0.31, int64(90000)).
		AddRow(uuid.MustParse(id1), now.Add(-time.Hour), 4, 0, "", []byte(nil), 0.0, 0.0, int64(45000))

	mock.ExpectQuery("SELECT id, started_at, segments").
		WithArgs(10).
		WillReturnRows(rows)

	archive := NewArchive(mock)
	runs, err := archive.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id2, runs[0].ID.String())
	assert.Equal(t, float64(9), runs[0].WinnerParams["fast_period"])
	assert.Nil(t, runs[1].WinnerParams)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRecentRunsDefaultLimit verifies the default limit is applied
func TestRecentRunsDefaultLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, started_at, segments").
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "started_at", "segments", "candidates", "winner_hash",
			"winner_params", "composite", "improvement", "duration_ms",
		}))

	archive := NewArchive(mock)
	runs, err := archive.RecentRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}
