package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("service", "seed").Logger()

func main() {
	_ = godotenv.Load()
	log.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	if err := db.Migrate(dsn); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedDoctors(context.Background(), pool, faker, 50); err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(context.Background(), pool, faker, 5000); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	log.Info().Msg("seed complete")
}

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// shifts are working hours in minutes of day
var shifts = []appointment.WorkingHours{
	{Start: 8 * 60, End: 14 * 60},
	{Start: 9 * 60, End: 17 * 60},
	{Start: 12 * 60, End: 20 * 60},
}

var weekPatterns = [][]time.Weekday{
	{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	{time.Monday, time.Wednesday, time.Friday},
	{time.Tuesday, time.Thursday, time.Saturday},
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	log.Info().Int("count", count).Msg("seeding doctors")

	durations := []int{15, 20, 30, 45}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		shift := shifts[faker.Number(0, len(shifts)-1)]
		days := weekPatterns[faker.Number(0, len(weekPatterns)-1)]

		var maxPerDay *int
		if faker.Bool() {
			n := faker.Number(8, 20)
			maxPerDay = &n
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, work_start_minute, work_end_minute,
			                     slot_duration_minutes, available_days, max_patients_per_day,
			                     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		`, uuid.New(), "Dr. "+faker.Name(), specialties[faker.Number(0, len(specialties)-1)],
			int(shift.Start), int(shift.End), durations[faker.Number(0, len(durations)-1)],
			appointment.WeekdayNames(days), maxPerDay)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info().Msg("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), faker.Name(), faker.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	log.Info().Msg("patients seeded")
	return nil
}
