package sink

import (
	"encoding/json"
	"fmt"
	"strconv"

	"metrika-logs/metrika"
)

// RowSink reçoit les lignes décodées d'un rapport, dans l'ordre de
// livraison. Close vide les tampons et libère la cible.
type RowSink interface {
	Write(row metrika.Row) error
	Close() error
}

// formatCell aplatit une valeur normalisée en texte : scalaires tels
// quels, listes et dictionnaires re-sérialisés en JSON.
func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		// sans notation scientifique, entier si c'est censé l'être
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any, map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatRow(headers []string, row metrika.Row) []string {
	rec := make([]string, len(headers))
	for i, h := range headers {
		rec[i] = formatCell(row[h])
	}
	return rec
}
