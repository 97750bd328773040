package entrez

import (
	"strconv"
	"strings"
)

// flattenArticle maps one PubmedArticle document onto the Article
// metadata the pipeline consumes.
func flattenArticle(a pubmedArticle) Article {
	cit := a.MedlineCitation
	art := cit.Article

	out := Article{
		PMID:     strings.TrimSpace(cit.PMID),
		Title:    strings.TrimSpace(art.Title),
		Journal:  strings.TrimSpace(art.Journal.Title),
		Abstract: joinAbstract(art.Abstract.Sections),
		Year:     extractYear(art.Journal.JournalIssue.PubDate),
	}

	for _, au := range art.Authors.Authors {
		if name := formatAuthor(au); name != "" {
			out.Authors = append(out.Authors, name)
		}
	}
	for _, h := range cit.MeshHeadingList.Headings {
		if d := strings.TrimSpace(h.Descriptor); d != "" {
			out.MeshTerms = append(out.MeshTerms, d)
		}
	}
	for _, id := range a.PubmedData.ArticleIDList.IDs {
		v := strings.TrimSpace(id.Value)
		switch strings.ToLower(id.IDType) {
		case "doi":
			out.DOI = v
		case "pmc":
			out.PMCID = v
		}
	}
	return out
}

// joinAbstract concatenates structured abstract sections, keeping the
// section labels (BACKGROUND, METHODS, ...) when present.
func joinAbstract(sections []abstractText) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if label := strings.TrimSpace(s.Label); label != "" {
			parts = append(parts, label+": "+text)
		} else {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func formatAuthor(au author) string {
	if au.Collective != "" {
		return strings.TrimSpace(au.Collective)
	}
	last := strings.TrimSpace(au.LastName)
	fore := strings.TrimSpace(au.ForeName)
	if fore == "" {
		fore = strings.TrimSpace(au.Initials)
	}
	switch {
	case last == "":
		return fore
	case fore == "":
		return last
	default:
		return last + ", " + fore
	}
}

// extractYear prefers the structured Year element and falls back to the
// leading year of a MedlineDate range like "1998 Dec-1999 Jan".
func extractYear(pd pubDate) int {
	if y, err := strconv.Atoi(strings.TrimSpace(pd.Year)); err == nil {
		return y
	}
	fields := strings.Fields(pd.MedlineDate)
	if len(fields) > 0 {
		if y, err := strconv.Atoi(strings.Trim(fields[0], "-")); err == nil {
			return y
		}
	}
	return 0
}
