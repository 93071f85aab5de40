package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/appointment/appttest"
)

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

type countingCounter struct {
	Counter
	calls int
}

func (c *countingCounter) CountByStatus(ctx context.Context, f appointment.StatsFilter) (map[appointment.Status]int, error) {
	c.calls++
	return c.Counter.CountByStatus(ctx, f)
}

func seed(t *testing.T, repo *appttest.Repo, doctor uuid.UUID, dept *uuid.UUID, number int, status appointment.Status) {
	t.Helper()
	err := repo.WithTx(context.Background(), func(tx appointment.Store) error {
		_, err := tx.CreateAppointment(context.Background(), &appointment.Appointment{
			ID:              uuid.New(),
			PatientID:       uuid.New(),
			DoctorID:        doctor,
			DepartmentID:    dept,
			AppointmentDate: day,
			AppointmentTime: "09:00",
			QueueNumber:     number,
			Status:          status,
		})
		return err
	})
	require.NoError(t, err)
}

func fixture(t *testing.T) (*appttest.Repo, uuid.UUID, uuid.UUID, uuid.UUID) {
	repo := appttest.New()
	docA, docB, dept := uuid.New(), uuid.New(), uuid.New()
	seed(t, repo, docA, &dept, 1, appointment.StatusWaiting)
	seed(t, repo, docA, &dept, 2, appointment.StatusWaiting)
	seed(t, repo, docA, nil, 3, appointment.StatusDone)
	seed(t, repo, docB, &dept, 1, appointment.StatusCancelled)
	return repo, docA, docB, dept
}

func TestDaily_ZeroFilledCounts(t *testing.T) {
	repo, docA, _, dept := fixture(t)
	agg := NewAggregator(repo)

	all, err := agg.Daily(context.Background(), appointment.StatsFilter{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Len(t, all.Counts, len(appointment.Statuses))
	assert.Equal(t, 2, all.Counts[appointment.StatusWaiting])
	assert.Equal(t, 0, all.Counts[appointment.StatusInProgress])
	assert.Equal(t, "2026-03-14", all.Date)

	byDoctor, err := agg.Daily(context.Background(), appointment.StatsFilter{Date: day, DoctorID: &docA})
	require.NoError(t, err)
	assert.Equal(t, 3, byDoctor.Total)
	assert.Equal(t, 1, byDoctor.Counts[appointment.StatusDone])

	byDept, err := agg.Daily(context.Background(), appointment.StatsFilter{Date: day, DepartmentID: &dept})
	require.NoError(t, err)
	assert.Equal(t, 3, byDept.Total)

	empty, err := agg.Daily(context.Background(), appointment.StatsFilter{Date: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Len(t, empty.Counts, len(appointment.Statuses))
}

func TestDaily_RequiresDate(t *testing.T) {
	_, err := NewAggregator(appttest.New()).Daily(context.Background(), appointment.StatsFilter{})
	assert.ErrorIs(t, err, appointment.ErrInvalidRequest)
}

func TestDaily_UsesCache(t *testing.T) {
	repo, _, _, _ := fixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	counter := &countingCounter{Counter: repo}
	agg := NewAggregator(counter, WithCache(rdb, time.Minute))
	f := appointment.StatsFilter{Date: day}

	first, err := agg.Daily(context.Background(), f)
	require.NoError(t, err)
	second, err := agg.Daily(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, counter.calls)
	assert.Equal(t, first.Total, second.Total)
	assert.True(t, mr.Exists(CacheKey(f)))
	assert.Equal(t, time.Minute, mr.TTL(CacheKey(f)))

	mr.FastForward(2 * time.Minute)
	_, err = agg.Daily(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.calls)
}

func TestDaily_CacheDownFallsBackToStore(t *testing.T) {
	repo, _, _, _ := fixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	d, err := NewAggregator(repo, WithCache(rdb, time.Minute)).Daily(context.Background(), appointment.StatsFilter{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 4, d.Total)
}

func TestRefreshDay(t *testing.T) {
	repo, docA, docB, _ := fixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	agg := NewAggregator(repo, WithCache(rdb, time.Minute))
	n, err := agg.RefreshDay(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.True(t, mr.Exists(CacheKey(appointment.StatsFilter{Date: day})))
	assert.True(t, mr.Exists(CacheKey(appointment.StatsFilter{Date: day, DoctorID: &docA})))
	assert.True(t, mr.Exists(CacheKey(appointment.StatsFilter{Date: day, DoctorID: &docB})))
}

type failingCounter struct{ Counter }

func (failingCounter) DoctorsWithAppointments(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, errors.New("db down")
}

func TestRefreshDay_Error(t *testing.T) {
	_, err := NewAggregator(failingCounter{}).RefreshDay(context.Background(), day)
	assert.ErrorContains(t, err, "db down")
}

func TestCacheKey(t *testing.T) {
	doctor := uuid.MustParse("6f1d1f55-7f4c-4c3a-9a52-1a0c5b8f3e21")
	assert.Equal(t, "stats:daily:2026-03-14", CacheKey(appointment.StatsFilter{Date: day}))
	assert.Equal(t, "stats:daily:2026-03-14:doctor=6f1d1f55-7f4c-4c3a-9a52-1a0c5b8f3e21",
		CacheKey(appointment.StatsFilter{Date: day, DoctorID: &doctor}))
}
