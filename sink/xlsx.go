package sink

import (
	"github.com/tealeg/xlsx/v3"

	"metrika-logs/metrika"
)

type XLSXSink struct {
	path    string
	file    *xlsx.File
	sheet   *xlsx.Sheet
	headers []string
}

// NewXLSXSink prépare un classeur avec une feuille "report" et la
// ligne d'entêtes. Le fichier n'est écrit qu'au Close.
func NewXLSXSink(path string, headers []string) (*XLSXSink, error) {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("report")
	if err != nil {
		return nil, err
	}
	row := sheet.AddRow()
	for _, h := range headers {
		row.AddCell().Value = h
	}
	return &XLSXSink{path: path, file: file, sheet: sheet, headers: headers}, nil
}

func (s *XLSXSink) Write(row metrika.Row) error {
	r := s.sheet.AddRow()
	for _, cell := range formatRow(s.headers, row) {
		r.AddCell().Value = cell
	}
	return nil
}

func (s *XLSXSink) Close() error {
	return s.file.Save(s.path)
}
