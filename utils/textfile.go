package utils

import (
	"bufio"
	"os"
	"strings"
)

// ReadLines lit un fichier texte ligne par ligne, en sautant les
// lignes vides et les commentaires (#). Utilisé pour les listes de
// champs passées au CLI.
func ReadLines(fname string) ([]string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
