package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/db"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("service", "simulate").Logger()

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	CancelRatio  float64
	AdvanceRatio float64
	ReadRatio    float64
	DoctorLimit  int
	PatientLimit int
	HorizonDays  int
	HotTargets   int
	PostgresDSN  string
}

// target is one bookable (doctor, date, time) that workers fight over.
type target struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

type DataPool struct {
	Patients     []uuid.UUID
	Targets      []target
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Percentiles() (p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}
	l := append([]time.Duration(nil), om.Latencies...)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l[len(l)*50/100], l[min(len(l)*95/100, len(l)-1)], l[len(l)-1]
}

type Metrics struct {
	Reserve OperationMetrics
	Cancel  OperationMetrics
	Advance OperationMetrics
	Read    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	faker   *gofakeit.Faker
	metrics Metrics
}

func main() {
	_ = godotenv.Load()
	log.Info().Msg("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		faker:  gofakeit.New(uint64(time.Now().UnixNano())),
	}

	sim.pool, err = sim.loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(sim.pool.Patients)).Int("targets", len(sim.pool.Targets)).Msg("data loaded")

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("verify ledger")
	}
	if overlaps > 0 {
		log.Fatal().Int("pairs", overlaps).Msg("overlapping active appointments found")
	}
	log.Info().Msg("ledger verified: no overlapping active appointments")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		AdvanceRatio: getFloat("SIM_ADVANCE_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.25),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 10),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		HorizonDays:  getInt("SIM_HORIZON_DAYS", 7),
		HotTargets:   getInt("SIM_HOT_TARGETS", 200),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
	}

	total := cfg.ReserveRatio + cfg.CancelRatio + cfg.AdvanceRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.CancelRatio /= total
		cfg.AdvanceRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, s.config.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM doctors ORDER BY id LIMIT $1`, s.config.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	var doctors []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		doctors = append(doctors, id)
	}
	rows.Close()

	// open slots come from the API so the simulator books what clients see
	today := time.Now().UTC()
	for _, doctorID := range doctors {
		for d := 1; d <= s.config.HorizonDays; d++ {
			date := today.AddDate(0, 0, d).Format("2006-01-02")
			times, err := s.openSlots(ctx, doctorID, date)
			if err != nil {
				return nil, err
			}
			for _, t := range times {
				dp.Targets = append(dp.Targets, target{DoctorID: doctorID, Date: date, Time: t})
			}
		}
	}

	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dp.Targets) == 0 {
		return nil, fmt.Errorf("no open slots found")
	}

	// a small hot set forces concurrent requests onto the same slots
	s.faker.ShuffleAnySlice(dp.Targets)
	if s.config.HotTargets > 0 && len(dp.Targets) > s.config.HotTargets {
		dp.Targets = dp.Targets[:s.config.HotTargets]
	}
	return dp, nil
}

func (s *Simulator) openSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	url := fmt.Sprintf("%s/doctors/%s/schedule?date=%s", s.config.APIBaseURL, doctorID, date)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get schedule: status %d", resp.StatusCode)
	}

	var view struct {
		TimeSlots []struct {
			Time  string `json:"time"`
			State string `json:"state"`
		} `json:"time_slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	var open []string
	for _, ts := range view.TimeSlots {
		if ts.State == "open" {
			open = append(open, ts.Time)
		}
	}
	return open, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.ReserveRatio:
			s.doReserve(ctx, rng)
		case r < s.config.ReserveRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.ReserveRatio+s.config.CancelRatio+s.config.AdvanceRatio:
			s.doAdvance(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

var appointmentTypes = []string{"consultation", "follow-up", "therapy", "emergency", "check-up"}

func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
	purpose := s.faker.Verb() + " " + s.faker.Noun()

	body, _ := json.Marshal(map[string]any{
		"doctor_id":  t.DoctorID,
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		"date":       t.Date,
		"time":       t.Time,
		"type":       appointmentTypes[rng.Intn(len(appointmentTypes))],
		"purpose":    purpose,
	})

	status, respBody, latency := s.call(ctx, http.MethodPost, "/appointments", body)
	if status == http.StatusCreated {
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(respBody, &created) == nil && created.ID != uuid.Nil {
			s.pool.AddAppointment(created.ID)
		}
	}
	s.metrics.Reserve.Record(latency, status)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]string{"reason": "simulated cancellation"})
	status, _, latency := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/cancel", body)
	s.metrics.Cancel.Record(latency, status)
}

// lifecycle order of the happy path
var nextStatus = map[string]string{
	"scheduled":   "confirmed",
	"confirmed":   "checked-in",
	"checked-in":  "in-progress",
	"in-progress": "completed",
}

func (s *Simulator) doAdvance(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	status, respBody, _ := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), nil)
	if status != http.StatusOK {
		return
	}
	var current struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(respBody, &current) != nil {
		return
	}
	next, ok := nextStatus[current.Status]
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]string{"status": next})
	status, _, latency := s.call(ctx, http.MethodPatch, "/appointments/"+id.String()+"/status", body)
	s.metrics.Advance.Record(latency, status)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
	status, _, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("/doctors/%s/schedule?date=%s", t.DoctorID, t.Date), nil)
	s.metrics.Read.Record(latency, status)
}

func (s *Simulator) call(ctx context.Context, method, path string, body []byte) (int, []byte, time.Duration) {
	req, _ := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), latency
}

// countOverlaps returns the number of active appointment pairs of one
// doctor and date whose time ranges intersect.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_id = b.doctor_id
		 AND a.appt_date = b.appt_date
		 AND a.id < b.id
		WHERE a.status NOT IN ('cancelled', 'no-show')
		  AND b.status NOT IN ('cancelled', 'no-show')
		  AND a.start_minute < b.start_minute + b.duration_minutes
		  AND b.start_minute < a.start_minute + a.duration_minutes
	`).Scan(&n)
	return n, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot targets: %d\n\n", len(s.pool.Targets))

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Advance status", &s.metrics.Advance)
	printOperationReport("Read schedule", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	p50, p95, max := om.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: p50=%s p95=%s max=%s\n\n",
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
