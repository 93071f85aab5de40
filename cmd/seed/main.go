package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/db"
	"github.com/hackgods/outpatient-queue/internal/logging"
)

// sessions per working day
var sessions = [][2]string{
	{"08:00", "12:00"},
	{"13:30", "17:00"},
}

type doctor struct {
	ID   uuid.UUID
	Name string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.Component(logging.New(cfg.LogLevel, cfg.Env), "seed")
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolSettings{}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	doctors := make([]doctor, envInt("SEED_DOCTORS", 20))
	for i := range doctors {
		doctors[i] = doctor{ID: uuid.New(), Name: "Dr. " + gofakeit.LastName()}
	}

	days := envInt("SEED_DAYS", 3)
	start, _ := appointment.ParseDate(appointment.FormatDate(time.Now().UTC()))

	n, err := seedSlots(ctx, pool, doctors, start, days)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}
	logger.Info().Int("doctors", len(doctors)).Int("days", days).Int("slots", n).Msg("schedule slots seeded")

	printTokens(cfg.JWTSecret, doctors, logger)
	logger.Info().Msg("seed complete")
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, doctors []doctor, start time.Time, days int) (int, error) {
	batch := &pgx.Batch{}
	for d := 0; d < days; d++ {
		date := start.AddDate(0, 0, d)
		for _, doc := range doctors {
			for _, s := range sessions {
				batch.Queue(`
					INSERT INTO schedule_slots (id, doctor_id, work_date, start_time, end_time, max_patients, booked_count, is_active)
					VALUES ($1, $2, $3, $4::time, $5::time, $6, 0, true)
				`, uuid.New(), doc.ID, date, s[0], s[1], gofakeit.Number(8, 30))
			}
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert slots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

// printTokens logs ready to use bearer tokens for local testing.
func printTokens(secret string, doctors []doctor, logger zerolog.Logger) {
	actors := []struct {
		label string
		actor appointment.Actor
	}{
		{"admin", appointment.Actor{ID: uuid.New(), Role: appointment.RoleAdmin}},
		{"nurse " + gofakeit.FirstName(), appointment.Actor{ID: uuid.New(), Role: appointment.RoleNurse}},
		{"patient " + gofakeit.Name(), appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}},
	}
	for _, doc := range doctors[:min(3, len(doctors))] {
		actors = append(actors, struct {
			label string
			actor appointment.Actor
		}{doc.Name, appointment.Actor{ID: doc.ID, Role: appointment.RoleDoctor}})
	}

	for _, a := range actors {
		token, err := auth.TokenFor(secret, a.actor, 24*time.Hour)
		if err != nil {
			logger.Warn().Err(err).Str("actor", a.label).Msg("issue token")
			continue
		}
		logger.Info().
			Str("actor", a.label).
			Str("role", string(a.actor.Role)).
			Str("id", a.actor.ID.String()).
			Str("token", token).
			Msg("token")
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
