package metrika

import "strings"

// Marqueurs littéraux renvoyés par le serveur pour liste vide et
// chaîne vide, avec leur variante à quotes échappées.
const (
	emptyListMarker    = "[]"
	emptyListEscaped   = `[\'\']`
	emptyStringEscaped = `\'\'`
)

// FixValue normalise une cellule brute du Logs API. Le serveur encode
// les structures imbriquées avec des simples quotes échappées ; on
// les répare puis on tente un parse littéral. En cas d'échec le texte
// partiellement désenchappé est retourné tel quel, jamais d'erreur.
func FixValue(v string) any {
	if v == emptyListMarker || v == emptyListEscaped {
		return []any{}
	}
	if v == emptyStringEscaped {
		return ""
	}
	if len(v) > 2 && (v[0] == '[' || v[1] == '[' ||
		((v[0] == '{' || v[1] == '{') && strings.ContainsAny(v, `"'`))) {
		v = strings.ReplaceAll(v, `[\'`, `['`)
		v = strings.ReplaceAll(v, `\']`, `']`)
		v = strings.ReplaceAll(v, `\',\'`, `','`)
		if v[0] == '"' {
			v = strings.ReplaceAll(v, `""`, `'`)
		}
		if out, err := parseLiteral(v); err == nil {
			return out
		}
		return v
	}
	v = strings.ReplaceAll(v, `\'`, `'`)
	return strings.ReplaceAll(v, `'`, `"`)
}
