package metrika

import "strings"

// DecodePart convertit le payload texte brut d'un part (tabulations
// entre champs, sauts de ligne entre enregistrements) en lignes
// décodées. La première ligne valide porte les entêtes ; toute ligne
// dont le nombre de champs diffère de celui de l'entête est écartée
// et comptée dans dropped, jamais fatale. Un part réduit à l'entête
// seule (ou vide) ne produit aucune ligne.
func DecodePart(text string) (rows []Row, dropped int) {
	lines := strings.Split(text, "\n")

	headersNum := len(strings.Split(lines[0], "\t"))
	filtered := lines[:0]
	for _, line := range lines {
		if len(strings.Split(line, "\t")) == headersNum {
			filtered = append(filtered, line)
		} else {
			dropped++
		}
	}

	if len(filtered) < 2 {
		return nil, dropped
	}

	headers := make([]string, 0, headersNum)
	for _, h := range strings.Split(filtered[0], "\t") {
		headers = append(headers, CleanFieldName(h))
	}

	rows = make([]Row, 0, len(filtered)-1)
	for _, line := range filtered[1:] {
		row := make(Row, headersNum)
		for i, cell := range strings.Split(line, "\t") {
			row[headers[i]] = FixValue(cell)
		}
		rows = append(rows, row)
	}
	return rows, dropped
}
