// Package export writes collected records to interchange formats.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/litharvest/internal/model"
)

// WriteJSON streams records to out as a JSON array, one object per
// record, indented for readability.
func WriteJSON(out io.Writer, recs []model.CollectedRecord) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

var xlsxHeader = []string{
	"PMID", "Title", "Journal", "Year", "Authors", "DOI", "PMCID",
	"MeSH Terms", "Has Full Text", "Cited By", "Citation Percentile",
	"Open Access URL", "Topic", "Outcome", "Run ID",
}

// WriteXLSX writes records as a single-sheet workbook at path.
func WriteXLSX(path string, recs []model.CollectedRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Records")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range xlsxHeader {
		header.AddCell().SetString(h)
	}

	for _, r := range recs {
		row := sheet.AddRow()
		row.AddCell().SetString(string(r.Identifier))
		row.AddCell().SetString(r.Title)
		row.AddCell().SetString(r.Journal)
		row.AddCell().SetInt(r.Year)
		row.AddCell().SetString(strings.Join(r.Authors, "; "))
		row.AddCell().SetString(r.DOI)
		row.AddCell().SetString(r.PMCID)
		row.AddCell().SetString(strings.Join(r.MeshTerms, "; "))
		row.AddCell().SetBool(r.HasFullText)

		cited, pct, oaURL, topic := "", "", "", ""
		if r.Enriched() {
			cited = fmt.Sprintf("%d", r.Enrichment.CitedByCount)
			pct = fmt.Sprintf("%.1f", r.Enrichment.CitationPercentile)
			oaURL = r.Enrichment.OpenAccessURL
			topic = r.Enrichment.Topic.Topic
		}
		row.AddCell().SetString(cited)
		row.AddCell().SetString(pct)
		row.AddCell().SetString(oaURL)
		row.AddCell().SetString(topic)
		row.AddCell().SetString(string(r.Outcome))
		row.AddCell().SetString(r.RunID)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save workbook")
	}
	return nil
}
