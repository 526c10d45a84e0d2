package sink

import (
	"encoding/csv"
	"os"

	"metrika-logs/metrika"
)

type CSVSink struct {
	file    *os.File
	writer  *csv.Writer
	headers []string
}

// NewCSVSink crée le fichier et écrit la ligne d'entêtes. headers
// donne l'ordre des colonnes, en noms canoniques.
func NewCSVSink(path string, headers []string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVSink{file: f, writer: w, headers: headers}, nil
}

func (s *CSVSink) Write(row metrika.Row) error {
	return s.writer.Write(formatRow(s.headers, row))
}

func (s *CSVSink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
