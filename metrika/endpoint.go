package metrika

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultHost = "https://api-metrika.yandex.ru/management/v1/counter/"

// ErrBadResponse signale une réponse 200 dont la forme ne correspond
// pas au contrat du Logs API (champ attendu absent). Non réessayable.
var ErrBadResponse = errors.New("unexpected logs api response shape")

// Client porte les appels unitaires vers le Logs API d'un compteur.
// Chaque méthode fait exactement un aller-retour réseau, sans retry :
// la politique de retry appartient à l'orchestrateur. La connexion
// HTTP sous-jacente est partagée, créée au premier appel et libérée
// par Close.
type Client struct {
	HostURL   string
	CounterID int64

	token string

	mu   sync.Mutex
	http *http.Client
}

func NewClient(counterID int64, token string) *Client {
	return &Client{
		HostURL:   DefaultHost,
		CounterID: counterID,
		token:     token,
	}
}

func (c *Client) apiURL() string {
	return strings.TrimRight(c.HostURL, "/") + "/" + strconv.FormatInt(c.CounterID, 10) + "/"
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &http.Client{Timeout: 5 * time.Minute}
	}
	return c.http
}

// Close libère les connexions ouvertes. Le client reste utilisable,
// un appel ultérieur recréera une connexion.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
}

// do exécute un appel et retourne le corps brut plus sa taille en
// octets (pour les compteurs de session).
func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, int64, error) {
	u := c.apiURL() + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "OAuth "+c.token)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != 200 {
		return nil, int64(len(body)), fmt.Errorf("logs api HTTP %d on %s %s: %s", resp.StatusCode, method, path, body)
	}
	return body, int64(len(body)), nil
}

// Paramètres de requête pour create/evaluate : dates ISO, source en
// minuscules, champs joints par virgule en ordre canonique.
func requestParams(r *LogRequest) url.Values {
	return url.Values{
		"date1":  {r.Date1},
		"date2":  {r.Date2},
		"source": {string(r.Source)},
		"fields": {strings.Join(r.SortedFields(), ",")},
	}
}

// Evaluate interroge la faisabilité d'une requête : servable en un
// seul chunk ou non, et taille maximale acceptée en jours.
func (c *Client) Evaluate(ctx context.Context, r *LogRequest) (*Evaluation, int64, error) {
	body, n, err := c.do(ctx, http.MethodGet, "logrequests/evaluate", requestParams(r))
	if err != nil {
		return nil, n, err
	}
	var out struct {
		Evaluation *Evaluation `json:"log_request_evaluation"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, n, err
	}
	if out.Evaluation == nil {
		return nil, n, fmt.Errorf("%w: log_request_evaluation not found in %s", ErrBadResponse, body)
	}
	return out.Evaluation, n, nil
}

func decodeLogRequest(body []byte) (*LogRequest, error) {
	var out struct {
		LogRequest *LogRequest `json:"log_request"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out.LogRequest == nil {
		return nil, fmt.Errorf("%w: log_request not found in %s", ErrBadResponse, body)
	}
	return out.LogRequest, nil
}

// Create demande au serveur de générer le rapport du chunk. Le
// snapshot retourné porte l'identifiant attribué par le serveur.
func (c *Client) Create(ctx context.Context, r *LogRequest) (*LogRequest, int64, error) {
	body, n, err := c.do(ctx, http.MethodPost, "logrequests", requestParams(r))
	if err != nil {
		return nil, n, err
	}
	snap, err := decodeLogRequest(body)
	return snap, n, err
}

// Poll relit l'état serveur d'une requête déjà créée.
func (c *Client) Poll(ctx context.Context, requestID int64) (*LogRequest, int64, error) {
	body, n, err := c.do(ctx, http.MethodGet, "logrequest/"+strconv.FormatInt(requestID, 10), nil)
	if err != nil {
		return nil, n, err
	}
	snap, err := decodeLogRequest(body)
	return snap, n, err
}

// ListOutstanding retourne toutes les requêtes encore présentes côté
// serveur pour le compteur.
func (c *Client) ListOutstanding(ctx context.Context) ([]*LogRequest, error) {
	body, _, err := c.do(ctx, http.MethodGet, "logrequests", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Requests []*LogRequest `json:"requests"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out.Requests == nil {
		return nil, fmt.Errorf("%w: requests not found in %s", ErrBadResponse, body)
	}
	return out.Requests, nil
}

// DownloadPart télécharge le payload texte brut d'un part.
func (c *Client) DownloadPart(ctx context.Context, requestID int64, partNumber int) (string, int64, error) {
	path := "logrequest/" + strconv.FormatInt(requestID, 10) + "/part/" + strconv.Itoa(partNumber) + "/download"
	body, n, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", n, err
	}
	return string(body), n, nil
}

// Clean supprime côté serveur les données générées d'une requête
// processed.
func (c *Client) Clean(ctx context.Context, requestID int64) error {
	_, _, err := c.do(ctx, http.MethodPost, "logrequest/"+strconv.FormatInt(requestID, 10)+"/clean", nil)
	return err
}

// Cancel annule une requête pas encore traitée.
func (c *Client) Cancel(ctx context.Context, requestID int64) error {
	_, _, err := c.do(ctx, http.MethodPost, "logrequest/"+strconv.FormatInt(requestID, 10)+"/cancel", nil)
	return err
}
