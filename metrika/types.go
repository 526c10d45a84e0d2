package metrika

import (
	"sort"
	"strings"
	"time"
)

const DateFormat = "2006-01-02"

// Sources de rapport supportées par le Logs API
type Source string

const (
	SourceVisits Source = "visits"
	SourceHits   Source = "hits"
)

// Statuts possibles d’une requête Logs API côté serveur
type Status string

const (
	StatusNew              Status = "new"
	StatusCreated          Status = "created"
	StatusAwaitingRetry    Status = "awaiting_retry"
	StatusProcessed        Status = "processed"
	StatusCanceled         Status = "canceled"
	StatusProcessingFailed Status = "processing_failed"
	StatusCleanedByUser    Status = "cleaned_by_user"
	StatusCleanedTooOld    Status = "cleaned_automatically_as_too_old"
)

// Pending vaut true tant que le serveur peut encore passer la requête
// à processed : on continue de poller.
func (s Status) Pending() bool {
	return s == StatusNew || s == StatusCreated || s == StatusAwaitingRetry
}

// Terminal vaut true pour les statuts d'échec définitifs : inutile de
// re-poller, le serveur ne changera plus d'avis.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusProcessingFailed, StatusCleanedByUser, StatusCleanedTooOld:
		return true
	}
	return false
}

// Un segment téléchargeable d'une requête processed
type Part struct {
	PartNumber int `json:"part_number"`
	Size       int `json:"size"`
}

// LogRequest est l'unité de travail : un chunk de rapport couvrant
// [Date1, Date2]. Les identifiants serveur (RequestID, CounterID, Size,
// Parts) restent à zéro tant que le serveur n'a pas accepté la requête.
type LogRequest struct {
	Date1       string   `json:"date1"`
	Date2       string   `json:"date2"`
	Source      Source   `json:"source"`
	Fields      []string `json:"fields,omitempty"`
	Status      Status   `json:"status"`
	Attribution string   `json:"attribution,omitempty"`
	RequestID   int64    `json:"request_id,omitempty"`
	CounterID   int64    `json:"counter_id,omitempty"`
	Size        int64    `json:"size,omitempty"`
	Parts       []Part   `json:"parts,omitempty"`
}

func NewLogRequest(dateStart, dateEnd time.Time, source Source, fields []string) *LogRequest {
	return &LogRequest{
		Date1:  dateStart.Format(DateFormat),
		Date2:  dateEnd.Format(DateFormat),
		Source: source,
		Fields: fields,
		Status: StatusNew,
	}
}

func (r *LogRequest) DateStart() time.Time {
	t, _ := time.Parse(DateFormat, r.Date1)
	return t
}

func (r *LogRequest) DateEnd() time.Time {
	t, _ := time.Parse(DateFormat, r.Date2)
	return t
}

// SortedFields retourne la liste des champs triée sans tenir compte de
// la casse, l'ordre canonique attendu côté serveur.
func (r *LogRequest) SortedFields() []string {
	fields := append([]string(nil), r.Fields...)
	sort.Slice(fields, func(i, j int) bool {
		return strings.ToLower(fields[i]) < strings.ToLower(fields[j])
	})
	return fields
}

// Key est l'identité logique du chunk : dates + source + champs (en
// tant qu'ensemble). Les identifiants serveur n'en font pas partie,
// deux chunks couvrant le même travail sont égaux même si le serveur
// leur a donné des ids différents.
func (r *LogRequest) Key() string {
	return r.Date1 + "|" + r.Date2 + "|" + string(r.Source) + "|" + strings.Join(r.SortedFields(), ",")
}

func (r *LogRequest) Equal(other *LogRequest) bool {
	return other != nil && r.Key() == other.Key()
}

// Merge applique un snapshot serveur sur l'entité locale. Le serveur
// fait autorité sur statut, identifiants, taille et parts ; dates,
// source et champs connus localement ne sont jamais écrasés. Size et
// Parts sont monotones : jamais remis à zéro une fois renseignés.
func (r *LogRequest) Merge(snap *LogRequest) {
	if snap == nil {
		return
	}
	if snap.Status != "" {
		r.Status = snap.Status
	}
	if snap.RequestID != 0 {
		r.RequestID = snap.RequestID
	}
	if snap.CounterID != 0 {
		r.CounterID = snap.CounterID
	}
	if snap.Attribution != "" {
		r.Attribution = snap.Attribution
	}
	if snap.Size != 0 {
		r.Size = snap.Size
	}
	if len(snap.Parts) > 0 {
		r.Parts = snap.Parts
	}
}

// Evaluation est le résultat d'une estimation de faisabilité
type Evaluation struct {
	Possible               bool  `json:"possible"`
	MaxPossibleDayQuantity int   `json:"max_possible_day_quantity"`
	ExpectedSize           int64 `json:"expected_size"`
	LogRequestSumMaxSize   int64 `json:"log_request_sum_max_size"`
	LogRequestSumSize      int64 `json:"log_request_sum_size"`
}

// Row est une ligne décodée d'un part : nom de champ canonique vers
// valeur normalisée (string, []any, map[string]any, nombre, bool, nil).
type Row map[string]any
