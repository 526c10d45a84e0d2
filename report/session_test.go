package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"metrika-logs/metrika"
)

// fakeAPI simule le Logs API d'un compteur : création de requêtes,
// progression des statuts au fil des polls, téléchargement des parts,
// clean/cancel. Tout est scripté par les champs de configuration.
type fakeAPI struct {
	mu sync.Mutex

	eval                 metrika.Evaluation
	evalFails            int // réponses 500 avant la première réussite
	createFails          int
	pollsBeforeProcessed int                      // polls "created" avant processed
	terminal             metrika.Status           // si posé, les polls répondent ce statut
	terminalFor          map[int64]metrika.Status // statut terminal par id, les autres restent created
	terminalAfter        int                      // créations requises avant d'appliquer terminalFor
	parts                []metrika.Part
	partText             map[int]string // payload par numéro de part
	outstanding          []*metrika.LogRequest
	cleanFails           map[int64]bool

	nextID    int64
	createdAt map[int64]string // id -> date1
	pollCount map[int64]int
	cleaned   []int64
	canceled  []int64

	evalCalls, createCalls, pollCalls, totalCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		eval:      metrika.Evaluation{Possible: true, MaxPossibleDayQuantity: 30},
		partText:  map[int]string{},
		createdAt: map[int64]string{},
		pollCount: map[int64]int{},
	}
}

func (f *fakeAPI) snapshot(id int64) map[string]any {
	status := metrika.StatusCreated
	out := map[string]any{
		"request_id": id,
		"counter_id": 33,
		"date1":      f.createdAt[id],
	}
	if f.terminal != "" && f.pollCount[id] > 0 {
		status = f.terminal
	} else if st, ok := f.terminalFor[id]; ok && len(f.createdAt) >= f.terminalAfter && f.pollCount[id] > 0 {
		status = st
	} else if f.pollCount[id] > f.pollsBeforeProcessed {
		status = metrika.StatusProcessed
		out["parts"] = f.parts
		out["size"] = 64
	}
	out["status"] = status
	return out
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.totalCalls++
		path := strings.TrimPrefix(r.URL.Path, "/33/")
		switch {
		case path == "logrequests/evaluate":
			f.evalCalls++
			if f.evalFails > 0 {
				f.evalFails--
				http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"log_request_evaluation": f.eval})
		case path == "logrequests" && r.Method == http.MethodPost:
			f.createCalls++
			if f.createFails > 0 {
				f.createFails--
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			f.nextID++
			id := f.nextID
			f.createdAt[id] = r.URL.Query().Get("date1")
			json.NewEncoder(w).Encode(map[string]any{"log_request": map[string]any{
				"request_id": id, "counter_id": 33, "status": "created",
			}})
		case path == "logrequests" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"requests": f.outstanding})
		case strings.HasPrefix(path, "logrequest/"):
			parts := strings.Split(strings.TrimPrefix(path, "logrequest/"), "/")
			id, _ := strconv.ParseInt(parts[0], 10, 64)
			switch {
			case len(parts) == 1:
				f.pollCalls++
				f.pollCount[id]++
				json.NewEncoder(w).Encode(map[string]any{"log_request": f.snapshot(id)})
			case len(parts) == 4 && parts[1] == "part" && parts[3] == "download":
				n, _ := strconv.Atoi(parts[2])
				fmt.Fprint(w, f.partText[n])
			case len(parts) == 2 && parts[1] == "clean":
				if f.cleanFails[id] {
					http.Error(w, "cannot clean", http.StatusInternalServerError)
					return
				}
				f.cleaned = append(f.cleaned, id)
				fmt.Fprint(w, `{}`)
			case len(parts) == 2 && parts[1] == "cancel":
				f.canceled = append(f.canceled, id)
				fmt.Fprint(w, `{}`)
			default:
				http.NotFound(w, r)
			}
		default:
			http.NotFound(w, r)
		}
	}
}

func testConfig() Config {
	return Config{
		MaxAttempts:       10,
		TransportAttempts: 3,
		WaitMin:           time.Millisecond,
		WaitMax:           time.Millisecond,
		Multiplier:        1,
		Parallel:          4,
	}
}

func newTestSession(t *testing.T, f *fakeAPI, cfg Config) *Session {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client := metrika.NewClient(33, "token")
	client.HostURL = srv.URL
	t.Cleanup(client.Close)
	s := NewSession(client, nil, cfg)
	s.now = func() time.Time { return time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC) }
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestSession_ValidationWithoutNetwork(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 10), day(2023, 1, 1), metrika.SourceVisits, []string{"f"}); err == nil {
		t.Error("Expected error for start after end, got nil")
	}
	// la veille du "today" injecté est la dernière date permise
	if err := s.CreateRequest(day(2023, 6, 1), day(2023, 6, 1), metrika.SourceVisits, []string{"f"}); err == nil {
		t.Error("Expected error for end date not before today, got nil")
	}
	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 5), metrika.SourceVisits, nil); err == nil {
		t.Error("Expected error for empty fields, got nil")
	}
	if f.totalCalls != 0 {
		t.Errorf("validation made %d network calls, want 0", f.totalCalls)
	}

	if err := s.CreateRequest(day(2023, 5, 1), day(2023, 5, 31), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Errorf("Valid request rejected: %v", err)
	}
}

func TestSession_GetEstimation_RequiresRequest(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(t, f, testConfig())
	if _, err := s.GetEstimation(context.Background()); err == nil {
		t.Error("Expected error without CreateRequest, got nil")
	}
}

func TestSession_CreateAPIRequests_SingleChunk(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 10), metrika.SourceVisits, []string{"ym:s:visitID"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatalf("CreateAPIRequests failed: %v", err)
	}
	if got := len(s.Requests()); got != 1 {
		t.Errorf("%d requests planned, want 1", got)
	}

	// re-planifier le même rapport est un no-op
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Requests()); got != 1 {
		t.Errorf("replanning duplicated chunks: %d requests", got)
	}
}

func TestSession_CreateAPIRequests_Chunked(t *testing.T) {
	f := newFakeAPI()
	f.eval = metrika.Evaluation{Possible: false, MaxPossibleDayQuantity: 4}
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 10), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatalf("CreateAPIRequests failed: %v", err)
	}
	requests := s.Requests()
	// ceil(10/4) = 3 chunks
	if len(requests) != 3 {
		t.Fatalf("%d chunks planned, want 3", len(requests))
	}
	expected := [][2]string{
		{"2023-01-01", "2023-01-04"},
		{"2023-01-05", "2023-01-08"},
		{"2023-01-09", "2023-01-10"},
	}
	for i, r := range requests {
		if r.Date1 != expected[i][0] || r.Date2 != expected[i][1] {
			t.Errorf("chunk %d = %s..%s, want %s..%s", i, r.Date1, r.Date2, expected[i][0], expected[i][1])
		}
		if r.Source != metrika.SourceVisits || len(r.Fields) != 1 {
			t.Errorf("chunk %d did not inherit source/fields: %+v", i, r)
		}
	}
}

func TestSession_CreateAPIRequests_Infeasible(t *testing.T) {
	f := newFakeAPI()
	f.eval = metrika.Evaluation{Possible: false, MaxPossibleDayQuantity: 0}
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 10), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateAPIRequests(context.Background())
	if !errors.Is(err, ErrInfeasible) {
		t.Errorf("error = %v, want ErrInfeasible", err)
	}
	// condition fatale : un seul appel, pas de retry
	if f.evalCalls != 1 {
		t.Errorf("evaluate called %d times, want 1", f.evalCalls)
	}
}

func TestSession_ProcessRequests_PollsUntilProcessed(t *testing.T) {
	f := newFakeAPI()
	f.pollsBeforeProcessed = 2
	f.parts = []metrika.Part{{PartNumber: 0, Size: 64}}
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	ready, wait := s.ProcessRequests(context.Background())
	var completed []*metrika.LogRequest
	for r := range ready {
		completed = append(completed, r)
	}
	if err := wait(); err != nil {
		t.Fatalf("ProcessRequests failed: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("%d completed requests, want 1", len(completed))
	}
	r := completed[0]
	if r.RequestID == 0 || r.Status != metrika.StatusProcessed || len(r.Parts) != 1 {
		t.Errorf("completed request not merged: %+v", r)
	}
	if f.createCalls != 1 {
		t.Errorf("create called %d times, want 1", f.createCalls)
	}
	if f.pollCalls != f.pollsBeforeProcessed+1 {
		t.Errorf("poll called %d times, want %d", f.pollCalls, f.pollsBeforeProcessed+1)
	}
}

func TestSession_ProcessRequests_MoreChunksThanParallel(t *testing.T) {
	f := newFakeAPI()
	f.eval = metrika.Evaluation{Possible: false, MaxPossibleDayQuantity: 1}
	f.parts = []metrika.Part{{PartNumber: 0, Size: 8}}
	cfg := testConfig()
	cfg.Parallel = 2
	s := newTestSession(t, f, cfg)

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 6), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 6 chunks d'un jour pour 2 slots : la livraison doit avancer
	// pendant que les chunks suivants attendent leur tour
	ready, wait := s.ProcessRequests(context.Background())
	done := make(chan []*metrika.LogRequest)
	go func() {
		var completed []*metrika.LogRequest
		for r := range ready {
			completed = append(completed, r)
		}
		done <- completed
	}()
	select {
	case completed := <-done:
		if err := wait(); err != nil {
			t.Fatalf("ProcessRequests failed: %v", err)
		}
		if len(completed) != 6 {
			t.Errorf("%d completed requests, want 6", len(completed))
		}
		for _, r := range completed {
			if r.Status != metrika.StatusProcessed {
				t.Errorf("request %d delivered with status %s", r.RequestID, r.Status)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ProcessRequests stalled with more chunks than Parallel")
	}
}

func TestSession_ProcessRequests_TerminalStatus(t *testing.T) {
	f := newFakeAPI()
	f.terminal = metrika.StatusProcessingFailed
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	ready, wait := s.ProcessRequests(context.Background())
	for range ready {
		t.Error("no request should complete")
	}
	err := wait()
	if !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("error = %v, want ErrTerminalStatus", err)
	}
}

func TestSession_ProcessRequests_Timeout(t *testing.T) {
	f := newFakeAPI()
	f.pollsBeforeProcessed = 1000 // jamais processed
	cfg := testConfig()
	cfg.MaxAttempts = 3
	s := newTestSession(t, f, cfg)

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	ready, wait := s.ProcessRequests(context.Background())
	for range ready {
	}
	err := wait()
	if !errors.Is(err, ErrPollTimeout) {
		t.Errorf("error = %v, want ErrPollTimeout", err)
	}
}

func TestSession_TransientTransportErrorsRetried(t *testing.T) {
	f := newFakeAPI()
	f.evalFails = 2 // deux 504 avant la réussite
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	eval, err := s.GetEstimation(context.Background())
	if err != nil {
		t.Fatalf("GetEstimation failed after transient errors: %v", err)
	}
	if !eval.Possible {
		t.Errorf("unexpected evaluation: %+v", eval)
	}
	if f.evalCalls != 3 {
		t.Errorf("evaluate called %d times, want 3", f.evalCalls)
	}
}

func TestSession_TransportErrorsExhausted(t *testing.T) {
	f := newFakeAPI()
	f.evalFails = 100
	s := newTestSession(t, f, testConfig())

	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEstimation(context.Background()); err == nil {
		t.Error("Expected error after exhausting transport retries, got nil")
	}
	if f.evalCalls != testConfig().TransportAttempts {
		t.Errorf("evaluate called %d times, want %d", f.evalCalls, testConfig().TransportAttempts)
	}
}

func TestSession_DownloadReport(t *testing.T) {
	f := newFakeAPI()
	f.eval = metrika.Evaluation{Possible: false, MaxPossibleDayQuantity: 2}
	f.parts = []metrika.Part{{PartNumber: 0, Size: 32}, {PartNumber: 1, Size: 32}}
	f.partText[0] = "ym:s:visitID\tym:s:pageViews\n111\t3\n112\t4\n"
	f.partText[1] = "ym:s:visitID\tym:s:pageViews\n113\t5\n"
	s := newTestSession(t, f, testConfig())

	var rows []metrika.Row
	err := s.DownloadReport(context.Background(), day(2023, 1, 1), day(2023, 1, 4), metrika.SourceVisits,
		[]string{"ym:s:visitID", "ym:s:pageViews"},
		func(row metrika.Row) error {
			rows = append(rows, row)
			return nil
		})
	if err != nil {
		t.Fatalf("DownloadReport failed: %v", err)
	}
	// 2 chunks de 2 jours, 3 lignes chacun (2 parts)
	if len(rows) != 6 {
		t.Fatalf("yielded %d rows, want 6", len(rows))
	}
	for _, row := range rows {
		if _, ok := row["visit_id"]; !ok {
			t.Errorf("row misses canonical visit_id key: %#v", row)
		}
	}
	if got := s.RowsLoaded(); got != 6 {
		t.Errorf("RowsLoaded = %d, want 6", got)
	}
	if s.BytesLoaded() == 0 {
		t.Error("BytesLoaded should be positive")
	}
	// les deux chunks processed ont été nettoyés côté serveur
	if len(f.cleaned) != 2 {
		t.Errorf("cleaned = %v, want both request ids", f.cleaned)
	}
}

func TestSession_DownloadReport_TerminalSweepsLeftovers(t *testing.T) {
	f := newFakeAPI()
	f.eval = metrika.Evaluation{Possible: false, MaxPossibleDayQuantity: 2}
	// le premier chunk échoue définitivement une fois les deux créés,
	// le second ne devient jamais processed
	f.terminalFor = map[int64]metrika.Status{1: metrika.StatusProcessingFailed}
	f.terminalAfter = 2
	f.pollsBeforeProcessed = 100000
	cfg := testConfig()
	cfg.MaxAttempts = 100000
	s := newTestSession(t, f, cfg)

	err := s.DownloadReport(context.Background(), day(2023, 1, 1), day(2023, 1, 4), metrika.SourceVisits,
		[]string{"f"}, func(metrika.Row) error { return nil })
	if !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("error = %v, want ErrTerminalStatus", err)
	}
	// le chunk resté created a été annulé côté serveur par le balayage
	f.mu.Lock()
	canceled := append([]int64(nil), f.canceled...)
	f.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != 2 {
		t.Errorf("canceled = %v, want the leftover request [2]", canceled)
	}
}

func TestNewSession_PartialConfigDefaults(t *testing.T) {
	s := NewSession(nil, nil, Config{Parallel: 2, WaitMin: time.Second})
	if s.cfg.Parallel != 2 || s.cfg.WaitMin != time.Second {
		t.Errorf("explicit fields overwritten: %+v", s.cfg)
	}
	def := DefaultConfig()
	if s.cfg.MaxAttempts != def.MaxAttempts || s.cfg.TransportAttempts != def.TransportAttempts ||
		s.cfg.WaitMax != def.WaitMax || s.cfg.Multiplier != def.Multiplier {
		t.Errorf("zero fields not defaulted: %+v", s.cfg)
	}
}

func TestSession_DownloadRequest_RequiresProcessed(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(t, f, testConfig())
	r := metrika.NewLogRequest(day(2023, 1, 1), day(2023, 1, 2), metrika.SourceVisits, []string{"f"})
	r.RequestID = 9
	r.Status = metrika.StatusCreated
	if err := s.DownloadRequest(context.Background(), r, func(metrika.Row) error { return nil }); err == nil {
		t.Error("Expected error downloading a non-processed request, got nil")
	}
}

func TestSession_CleanReport(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(t, f, testConfig())
	if err := s.CreateRequest(day(2023, 1, 1), day(2023, 1, 3), metrika.SourceVisits, []string{"f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIRequests(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.CleanReport()
	if len(s.Requests()) != 0 || s.BytesLoaded() != 0 || s.RowsLoaded() != 0 {
		t.Error("CleanReport did not reset session state")
	}
}

func TestSession_CleanUp(t *testing.T) {
	f := newFakeAPI()
	f.outstanding = []*metrika.LogRequest{
		{RequestID: 1, Status: metrika.StatusProcessed},
		{RequestID: 2, Status: metrika.StatusCreated},
		{RequestID: 3, Status: metrika.StatusProcessed},
	}
	f.cleanFails = map[int64]bool{1: true} // le premier clean échoue
	s := newTestSession(t, f, testConfig())

	if err := s.CleanUp(context.Background()); err != nil {
		t.Fatalf("CleanUp failed: %v", err)
	}
	// l'échec sur 1 n'a pas empêché le reste du balayage
	if len(f.cleaned) != 1 || f.cleaned[0] != 3 {
		t.Errorf("cleaned = %v, want [3]", f.cleaned)
	}
	if len(f.canceled) != 1 || f.canceled[0] != 2 {
		t.Errorf("canceled = %v, want [2]", f.canceled)
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
