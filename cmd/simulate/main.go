package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/db"
	"github.com/hackgods/outpatient-queue/internal/logging"
	"github.com/hackgods/outpatient-queue/internal/realtime"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Bookers      int
	Staff        int
	Watchers     int
	ReadRatio    float64
	SlotLimit    int
	PostgresDSN  string
	JWTSecret    string
	StaffPace    time.Duration
	SimulateDate time.Time
}

type slotRef struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type DataPool struct {
	Slots   []slotRef
	Doctors []uuid.UUID
	mu      sync.RWMutex
	// booked appointment IDs by doctor
	appointments map[uuid.UUID][]uuid.UUID
}

func (dp *DataPool) AddAppointment(doctorID, id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments[doctorID] = append(dp.appointments[doctorID], id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand, doctorID uuid.UUID) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	ids := dp.appointments[doctorID]
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	return ids[rng.Intn(len(ids))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type Metrics struct {
	Booking  OperationMetrics
	CallNext OperationMetrics
	Action   OperationMetrics
	Snapshot OperationMetrics
	Stats    OperationMetrics

	WatcherUpdates  int64
	WatcherRegress  int64
	WatcherFailures int64
}

type Simulator struct {
	config     SimConfig
	pool       *DataPool
	client     *http.Client
	metrics    Metrics
	nurseToken string
	log        zerolog.Logger
}

func main() {
	cfg := loadConfig()
	logger := logging.Component(logging.New(getEnv("LOG_LEVEL", "info"), "dev"), "simulate")

	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("bookers", cfg.Bookers).
		Int("staff", cfg.Staff).
		Int("watchers", cfg.Watchers).
		Str("date", appointment.FormatDate(cfg.SimulateDate)).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolSettings{MaxConns: 2}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("slots", len(dataPool.Slots)).Int("doctors", len(dataPool.Doctors)).Msg("loaded schedule")

	nurseToken, err := auth.TokenFor(cfg.JWTSecret, appointment.Actor{ID: uuid.New(), Role: appointment.RoleNurse}, 24*time.Hour)
	if err != nil {
		logger.Fatal().Err(err).Msg("issue nurse token")
	}

	sim := &Simulator{
		config:     cfg,
		pool:       dataPool,
		client:     &http.Client{Timeout: 10 * time.Second},
		nurseToken: nurseToken,
		log:        logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	date := time.Now().UTC()
	if raw := os.Getenv("SIM_DATE"); raw != "" {
		if d, err := appointment.ParseDate(raw); err == nil {
			date = d
		}
	}
	date, _ = appointment.ParseDate(appointment.FormatDate(date))

	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Bookers:      getInt("SIM_BOOKERS", 10),
		Staff:        getInt("SIM_STAFF", 4),
		Watchers:     getInt("SIM_WATCHERS", 20),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 500),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.JWTSecret,
		StaffPace:    getDuration("SIM_STAFF_PACE", 50*time.Millisecond),
		SimulateDate: date,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Bookers <= 0 {
		return fmt.Errorf("SIM_BOOKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{appointments: make(map[uuid.UUID][]uuid.UUID)}

	rows, err := pool.Query(ctx, `
		SELECT id, doctor_id FROM schedule_slots
		WHERE work_date = $1 AND is_active AND booked_count < max_patients
		LIMIT $2
	`, cfg.SimulateDate, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.DoctorID); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
		if !seen[s.DoctorID] {
			seen[s.DoctorID] = true
			dataPool.Doctors = append(dataPool.Doctors, s.DoctorID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots on %s, run seed first", appointment.FormatDate(cfg.SimulateDate))
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Watchers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.watcher(ctx, id)
		}(i)
	}
	for i := 0; i < s.config.Bookers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.booker(ctx, id)
		}(i)
	}
	for i := 0; i < s.config.Staff; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.staff(ctx, id)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

// booker books appointments as patients, mixed with snapshot and stats reads.
func (s *Simulator) booker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		if rng.Float64() < s.config.ReadRatio {
			if rng.Intn(4) == 0 {
				s.doStats(ctx)
			} else {
				s.doSnapshot(ctx, s.pool.Doctors[rng.Intn(len(s.pool.Doctors))])
			}
			continue
		}
		s.doBooking(ctx, rng)
	}
}

// staff drives doctor queues: call the next patient, then start, finish or
// skip, and occasionally recall.
func (s *Simulator) staff(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(1000+workerID)))

	for ctx.Err() == nil {
		doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

		id, ok := s.doCallNext(ctx, doctorID)
		if ok {
			switch r := rng.Float64(); {
			case r < 0.8:
				if s.doAction(ctx, id, "start", "") {
					s.doAction(ctx, id, "finish", "")
				}
			default:
				s.doAction(ctx, id, "skip", "no show")
			}
		} else if id, ok := s.pool.RandomAppointment(rng, doctorID); ok && rng.Intn(5) == 0 {
			s.doAction(ctx, id, "recall", "")
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.config.StaffPace):
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}
	token, err := auth.TokenFor(s.config.JWTSecret, patient, time.Hour)
	if err != nil {
		return
	}

	body, _ := json.Marshal(map[string]string{
		"doctor_id": slot.DoctorID.String(),
		"slot_id":   slot.ID.String(),
		"date":      appointment.FormatDate(s.config.SimulateDate),
	})

	start := time.Now()
	status, data, err := s.do(ctx, http.MethodPost, "/appointments", token, body)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Booking.Record(latency, false, false)
		}
		return
	}

	if status == http.StatusCreated {
		var resp struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(data, &resp) == nil && resp.ID != uuid.Nil {
			s.pool.AddAppointment(slot.DoctorID, resp.ID)
		}
	}
	s.metrics.Booking.Record(latency, status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doCallNext(ctx context.Context, doctorID uuid.UUID) (uuid.UUID, bool) {
	path := fmt.Sprintf("/queues/%s/%s/call-next", doctorID, appointment.FormatDate(s.config.SimulateDate))

	start := time.Now()
	status, data, err := s.do(ctx, http.MethodPost, path, s.nurseToken, nil)
	latency := time.Since(start)
	if err != nil {
		return uuid.Nil, false
	}
	s.metrics.CallNext.Record(latency, status == http.StatusOK, status == http.StatusConflict)

	if status != http.StatusOK {
		return uuid.Nil, false
	}
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return uuid.Nil, false
	}
	return resp.ID, true
}

func (s *Simulator) doAction(ctx context.Context, id uuid.UUID, action, reason string) bool {
	var body []byte
	if reason != "" {
		body, _ = json.Marshal(map[string]string{"reason": reason})
	}

	start := time.Now()
	status, _, err := s.do(ctx, http.MethodPost, "/appointments/"+id.String()+"/"+action, s.nurseToken, body)
	latency := time.Since(start)
	if err != nil {
		return false
	}
	s.metrics.Action.Record(latency, status == http.StatusOK, status == http.StatusConflict)
	return status == http.StatusOK
}

func (s *Simulator) doSnapshot(ctx context.Context, doctorID uuid.UUID) {
	path := fmt.Sprintf("/queues/%s/%s", doctorID, appointment.FormatDate(s.config.SimulateDate))

	start := time.Now()
	status, _, err := s.do(ctx, http.MethodGet, path, s.nurseToken, nil)
	if err != nil {
		return
	}
	s.metrics.Snapshot.Record(time.Since(start), status == http.StatusOK, false)
}

func (s *Simulator) doStats(ctx context.Context) {
	path := "/stats/daily?date=" + appointment.FormatDate(s.config.SimulateDate)

	start := time.Now()
	status, _, err := s.do(ctx, http.MethodGet, path, s.nurseToken, nil)
	if err != nil {
		return
	}
	s.metrics.Stats.Record(time.Since(start), status == http.StatusOK, false)
}

// watcher joins one queue room and checks that pushed versions never go
// backwards.
func (s *Simulator) watcher(ctx context.Context, id int) {
	doctorID := s.pool.Doctors[id%len(s.pool.Doctors)]

	u, err := url.Parse(s.config.APIBaseURL)
	if err != nil {
		atomic.AddInt64(&s.metrics.WatcherFailures, 1)
		return
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"access_token": {s.nurseToken}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		atomic.AddInt64(&s.metrics.WatcherFailures, 1)
		s.log.Warn().Err(err).Int("watcher", id).Msg("websocket dial failed")
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	err = conn.WriteJSON(realtime.ClientMessage{
		Action:   "join",
		DoctorID: doctorID.String(),
		Date:     appointment.FormatDate(s.config.SimulateDate),
	})
	if err != nil {
		atomic.AddInt64(&s.metrics.WatcherFailures, 1)
		return
	}

	var last int64
	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				atomic.AddInt64(&s.metrics.WatcherFailures, 1)
			}
			return
		}
		if msg.Snapshot == nil {
			continue
		}
		if msg.Type == realtime.TypeQueueUpdated {
			atomic.AddInt64(&s.metrics.WatcherUpdates, 1)
		}
		if msg.Snapshot.Version < last {
			atomic.AddInt64(&s.metrics.WatcherRegress, 1)
		}
		last = max(last, msg.Snapshot.Version)
	}
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Bookers: %d  Staff: %d  Watchers: %d\n", s.config.Bookers, s.config.Staff, s.config.Watchers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Start/finish/skip/recall", &s.metrics.Action)
	printOperationReport("Queue snapshot", &s.metrics.Snapshot)
	printOperationReport("Daily stats", &s.metrics.Stats)

	fmt.Println("Realtime:")
	fmt.Printf("  Updates received: %d\n", atomic.LoadInt64(&s.metrics.WatcherUpdates))
	fmt.Printf("  Version regressions: %d\n", atomic.LoadInt64(&s.metrics.WatcherRegress))
	fmt.Printf("  Watcher failures: %d\n", atomic.LoadInt64(&s.metrics.WatcherFailures))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
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
