package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"metrika-logs/logging"
	"metrika-logs/metrika"
)

var (
	// ErrInfeasible : le serveur ne peut pas servir la requête, même
	// découpée (max_possible_day_quantity = 0). Fatal, pas de retry.
	ErrInfeasible = errors.New("logs api can't load data: max_possible_day_quantity = 0")

	// ErrPollTimeout : le plafond d'essais de polling est épuisé sans
	// que la requête soit passée à processed.
	ErrPollTimeout = errors.New("poll attempts exhausted")

	// ErrTerminalStatus : le serveur a déclaré la requête en échec
	// définitif (canceled, processing_failed, cleaned_*).
	ErrTerminalStatus = errors.New("terminal request status")
)

// Config règle le polling et le parallélisme d'une session
type Config struct {
	MaxAttempts       int           // plafond de polls par chunk
	TransportAttempts int           // erreurs transport tolérées d'affilée par chunk
	WaitMin           time.Duration // plancher du backoff
	WaitMax           time.Duration // plafond du backoff
	Multiplier        float64
	Parallel          int // chunks pollés en parallèle
}

// Valeurs héritées du connecteur historique
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       100,
		TransportAttempts: 3,
		WaitMin:           4 * time.Second,
		WaitMax:           180 * time.Second,
		Multiplier:        1,
		Parallel:          5,
	}
}

// Session orchestre un rapport de bout en bout : estimation,
// découpage en chunks, polling concurrent, téléchargement décodé et
// nettoyage serveur. Une session porte au plus un rapport à la fois ;
// CleanReport la réinitialise.
type Session struct {
	client *metrika.Client
	logger *logging.Logger
	cfg    Config

	// injectés pour les tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	request     *metrika.LogRequest
	requests    map[string]*metrika.LogRequest
	bytesLoaded int64
	rowsLoaded  int64
}

// NewSession construit une session ; chaque champ de cfg laissé à
// zéro prend sa valeur par défaut, les champs renseignés sont gardés.
func NewSession(client *metrika.Client, logger *logging.Logger, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TransportAttempts <= 0 {
		cfg.TransportAttempts = def.TransportAttempts
	}
	if cfg.WaitMin <= 0 {
		cfg.WaitMin = def.WaitMin
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = def.WaitMax
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = def.Parallel
	}
	return &Session{
		client:   client,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		requests: map[string]*metrika.LogRequest{},
	}
}

func (s *Session) backoff() Backoff {
	return Backoff{Min: s.cfg.WaitMin, Max: s.cfg.WaitMax, Multiplier: s.cfg.Multiplier}
}

// CreateRequest valide et pose la requête globale de la session.
// Aucun appel réseau : la validation échoue avant tout trafic.
func (s *Session) CreateRequest(dateStart, dateEnd time.Time, source metrika.Source, fields []string) error {
	if len(fields) == 0 {
		return errors.New("fields must not be empty")
	}
	if dateStart.After(dateEnd) {
		return errors.New("start date cannot be after end date")
	}
	today := s.now().Truncate(24 * time.Hour)
	if !dateEnd.Before(today) {
		return errors.New("end date must be strictly before today")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = metrika.NewLogRequest(dateStart, dateEnd, source, fields)
	return nil
}

// GetEstimation interroge la faisabilité de la requête globale
func (s *Session) GetEstimation(ctx context.Context) (*metrika.Evaluation, error) {
	s.mu.Lock()
	request := s.request
	s.mu.Unlock()
	if request == nil {
		return nil, errors.New("request not set, call CreateRequest first")
	}
	var eval *metrika.Evaluation
	err := s.withTransportRetry(ctx, "evaluate", func() error {
		e, n, err := s.client.Evaluate(ctx, request)
		s.addBytes(n)
		if err != nil {
			return err
		}
		eval = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// CreateAPIRequests découpe la requête globale en chunks d'après
// l'estimation serveur et les enfile dans le working set. Un chunk
// logiquement identique à un chunk déjà planifié est ignoré.
func (s *Session) CreateAPIRequests(ctx context.Context) error {
	estimation, err := s.GetEstimation(ctx)
	if err != nil {
		return err
	}
	if estimation.MaxPossibleDayQuantity == 0 {
		return ErrInfeasible
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if estimation.Possible {
		s.logger.Write("[PLAN] estimated as possible in one request")
		s.enqueueLocked(s.request)
		return nil
	}
	s.logger.Writef("[PLAN] estimated as possible when chunked by %d days", estimation.MaxPossibleDayQuantity)
	for _, iv := range metrika.DayIntervals(s.request.DateStart(), s.request.DateEnd(), estimation.MaxPossibleDayQuantity) {
		chunk := metrika.NewLogRequest(iv.Start, iv.End, s.request.Source, s.request.Fields)
		s.logger.Writef("[PLAN] chunk %s..%s", chunk.Date1, chunk.Date2)
		s.enqueueLocked(chunk)
	}
	return nil
}

func (s *Session) enqueueLocked(r *metrika.LogRequest) {
	key := r.Key()
	if _, ok := s.requests[key]; ok {
		s.logger.Writef("[PLAN] chunk %s..%s already planned, skipped", r.Date1, r.Date2)
		return
	}
	s.requests[key] = r
}

// Requests retourne le working set, trié par date de début pour un
// ordre stable dans une même exécution.
func (s *Session) Requests() []*metrika.LogRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*metrika.LogRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date1 < out[j].Date1 })
	return out
}

// ProcessRequests conduit chaque chunk jusqu'à processed, plusieurs
// en parallèle, et livre les chunks prêts sur le canal au fil des
// complétions. Le canal se ferme quand tous sont traités ; wait
// rapporte la première erreur fatale (les autres chunks sont alors
// interrompus par le contexte du groupe).
func (s *Session) ProcessRequests(ctx context.Context) (<-chan *metrika.LogRequest, func() error) {
	out := make(chan *metrika.LogRequest)
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.Parallel > 0 {
		g.SetLimit(s.cfg.Parallel)
	}
	// g.Go bloque une fois la limite de parallélisme atteinte, et les
	// chunks prêts ne libèrent leur slot qu'une fois livrés sur out.
	// Tout l'enfilage part donc dans sa propre goroutine : l'appelant
	// peut consommer out pendant que le reste du working set attend
	// son tour.
	done := make(chan error, 1)
	go func() {
		for _, r := range s.Requests() {
			r := r
			g.Go(func() error {
				if err := s.processRequest(ctx, r); err != nil {
					return err
				}
				select {
				case out <- r:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
		err := g.Wait()
		close(out)
		done <- err
	}()
	return out, func() error { return <-done }
}

// processRequest est la boucle de polling d'un chunk : création tant
// que le serveur n'a pas attribué d'identifiant, relecture d'état
// ensuite, backoff exponentiel entre deux essais. Statut terminal ou
// réponse malformée : fatal immédiat. Plafond atteint : timeout.
func (s *Session) processRequest(ctx context.Context, r *metrika.LogRequest) error {
	backoff := s.backoff()
	transportFailures := 0
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		snap, err := s.requestSnapshot(ctx, r)
		if err != nil {
			if errors.Is(err, metrika.ErrBadResponse) || ctx.Err() != nil {
				return err
			}
			transportFailures++
			s.logger.Writef("[POLL] chunk %s..%s transport error %d/%d: %v",
				r.Date1, r.Date2, transportFailures, s.cfg.TransportAttempts, err)
			if transportFailures >= s.cfg.TransportAttempts {
				return fmt.Errorf("chunk %s..%s: %w", r.Date1, r.Date2, err)
			}
			if err := s.sleep(ctx, backoff.Wait(attempt)); err != nil {
				return err
			}
			continue
		}
		transportFailures = 0
		r.Merge(snap)
		s.logger.Writef("[POLL] request %d (%s..%s): %s", r.RequestID, r.Date1, r.Date2, r.Status)

		if r.Status == metrika.StatusProcessed {
			return nil
		}
		if !r.Status.Pending() {
			return fmt.Errorf("%w: %s for request %d", ErrTerminalStatus, r.Status, r.RequestID)
		}
		if err := s.sleep(ctx, backoff.Wait(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("chunk %s..%s: %w after %d attempts", r.Date1, r.Date2, ErrPollTimeout, s.cfg.MaxAttempts)
}

// requestSnapshot fait un aller-retour : create si le chunk n'a pas
// encore d'identifiant serveur, poll sinon.
func (s *Session) requestSnapshot(ctx context.Context, r *metrika.LogRequest) (*metrika.LogRequest, error) {
	var (
		snap *metrika.LogRequest
		n    int64
		err  error
	)
	if r.RequestID != 0 {
		snap, n, err = s.client.Poll(ctx, r.RequestID)
	} else {
		snap, n, err = s.client.Create(ctx, r)
	}
	s.addBytes(n)
	return snap, err
}

// DownloadRequest télécharge et décode les parts d'un chunk processed,
// dans l'ordre des parts, en appelant yield pour chaque ligne.
func (s *Session) DownloadRequest(ctx context.Context, r *metrika.LogRequest, yield func(metrika.Row) error) error {
	if r.Status != metrika.StatusProcessed {
		return fmt.Errorf("request %d not processed, status %s", r.RequestID, r.Status)
	}
	for _, part := range r.Parts {
		var text string
		err := s.withTransportRetry(ctx, "download", func() error {
			t, n, err := s.client.DownloadPart(ctx, r.RequestID, part.PartNumber)
			s.addBytes(n)
			if err != nil {
				return err
			}
			text = t
			return nil
		})
		if err != nil {
			return err
		}
		rows, dropped := metrika.DecodePart(text)
		if dropped > 1 {
			s.logger.Writef("[WARN] request %d part %d: %d rows were filtered out", r.RequestID, part.PartNumber, dropped)
		}
		s.addRows(int64(len(rows)))
		s.logger.Writef("[DOWNLOAD] request %d part %d: %d rows", r.RequestID, part.PartNumber, len(rows))
		for _, row := range rows {
			if err := yield(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanRequest libère les ressources serveur d'un chunk : clean pour
// un chunk processed, cancel pour un chunk encore en attente.
func (s *Session) CleanRequest(ctx context.Context, r *metrika.LogRequest) error {
	if r.RequestID == 0 {
		return nil
	}
	s.logger.Writef("[CLEAN] request %d status=%s", r.RequestID, r.Status)
	if r.Status == metrika.StatusProcessed {
		return s.client.Clean(ctx, r.RequestID)
	}
	if r.Status.Pending() {
		return s.client.Cancel(ctx, r.RequestID)
	}
	return nil
}

// DownloadReport enchaîne tout : validation, découpage, polling
// concurrent, téléchargement et nettoyage. Les lignes d'un même chunk
// arrivent dans l'ordre de ses parts ; entre chunks, l'ordre suit les
// complétions serveur. Le nettoyage des chunks restants est tenté
// même après une erreur.
func (s *Session) DownloadReport(ctx context.Context, dateStart, dateEnd time.Time, source metrika.Source, fields []string, yield func(metrika.Row) error) error {
	s.logger.Writef("[START] %s report from %s to %s", source, dateStart.Format(metrika.DateFormat), dateEnd.Format(metrika.DateFormat))
	if err := s.CreateRequest(dateStart, dateEnd, source, fields); err != nil {
		return err
	}
	if err := s.CreateAPIRequests(ctx); err != nil {
		return err
	}
	ready, wait := s.ProcessRequests(ctx)
	var downloadErr error
	for r := range ready {
		if downloadErr == nil {
			downloadErr = s.DownloadRequest(ctx, r, yield)
		}
		if err := s.CleanRequest(ctx, r); err != nil {
			s.logger.Writef("[WARN] cannot clean request %d: %v", r.RequestID, err)
		}
	}
	err := wait()
	if err == nil {
		err = downloadErr
	}
	if err != nil {
		// le contexte du groupe est déjà annulé, on balaie avec le
		// contexte parent détaché de l'annulation
		s.sweepLeftovers(context.WithoutCancel(ctx))
		return err
	}
	s.logger.Writef("[COMPLETE] report %s..%s bytes=%d rows=%d",
		dateStart.Format(metrika.DateFormat), dateEnd.Format(metrika.DateFormat), s.BytesLoaded(), s.RowsLoaded())
	return nil
}

// sweepLeftovers annule au mieux les chunks jamais arrivés à
// processed, pour ne pas laisser de travaux orphelins côté serveur.
func (s *Session) sweepLeftovers(ctx context.Context) {
	for _, r := range s.Requests() {
		if r.Status == metrika.StatusProcessed || r.RequestID == 0 {
			continue
		}
		if err := s.CleanRequest(ctx, r); err != nil {
			s.logger.Writef("[WARN] cannot cancel request %d: %v", r.RequestID, err)
		}
	}
}

// CleanReport réinitialise la session : working set et compteurs
func (s *Session) CleanReport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = nil
	s.requests = map[string]*metrika.LogRequest{}
	s.bytesLoaded = 0
	s.rowsLoaded = 0
}

// CleanUp balaie toutes les requêtes encore présentes côté serveur
// pour le compteur, indépendamment de la session courante. Chaque
// nettoyage est tenté isolément, un échec n'interrompt pas le reste.
func (s *Session) CleanUp(ctx context.Context) error {
	outstanding, err := s.client.ListOutstanding(ctx)
	if err != nil {
		return err
	}
	for _, r := range outstanding {
		if err := s.CleanRequest(ctx, r); err != nil {
			s.logger.Writef("[WARN] cannot clean request %d: %v", r.RequestID, err)
		}
	}
	return nil
}

// withTransportRetry réessaie un appel unitaire sur erreur transport,
// avec le même backoff borné que le polling. Les violations de
// contrat (ErrBadResponse) ne sont jamais réessayées.
func (s *Session) withTransportRetry(ctx context.Context, op string, call func() error) error {
	backoff := s.backoff()
	var err error
	for attempt := 0; attempt < s.cfg.TransportAttempts; attempt++ {
		err = call()
		if err == nil || errors.Is(err, metrika.ErrBadResponse) || ctx.Err() != nil {
			return err
		}
		s.logger.Writef("[RETRY] %s attempt %d/%d failed: %v", op, attempt+1, s.cfg.TransportAttempts, err)
		if attempt < s.cfg.TransportAttempts-1 {
			if serr := s.sleep(ctx, backoff.Wait(attempt)); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (s *Session) addBytes(n int64) {
	s.mu.Lock()
	s.bytesLoaded += n
	s.mu.Unlock()
}

func (s *Session) addRows(n int64) {
	s.mu.Lock()
	s.rowsLoaded += n
	s.mu.Unlock()
}

// BytesLoaded retourne le volume téléchargé depuis le dernier reset
func (s *Session) BytesLoaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesLoaded
}

// RowsLoaded retourne le nombre de lignes livrées depuis le dernier reset
func (s *Session) RowsLoaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsLoaded
}
