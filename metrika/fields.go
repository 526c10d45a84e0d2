package metrika

import "strings"

// Corrections appliquées avant la conversion snake_case : préfixes
// Metrika et sigles dont la casse casserait le découpage camelCase.
var fieldNameFixes = [][2]string{
	{"ym:pv:", ""},
	{"ym:s:", ""},
	{"GCLID", "Gclid"},
	{"ID", "Id"},
	{"UTC", "Utc"},
	{"URL", "Url"},
	{"UTM", "Utm"},
}

// CleanFieldName canonicalise un nom de colonne Logs API :
// "ym:s:visitID" devient "visit_id".
func CleanFieldName(fieldName string) string {
	for _, f := range fieldNameFixes {
		fieldName = strings.ReplaceAll(fieldName, f[0], f[1])
	}
	var b strings.Builder
	for i, c := range fieldName {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(c - 'A' + 'a')
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
