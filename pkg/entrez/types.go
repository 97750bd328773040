package entrez

import "encoding/xml"

// SearchResult is one page of an esearch response.
type SearchResult struct {
	Count    int
	RetStart int
	RetMax   int
	IDs      []string
}

// esearchResponse mirrors the eSearchResult XML document.
type esearchResponse struct {
	XMLName  xml.Name `xml:"eSearchResult"`
	Count    int      `xml:"Count"`
	RetMax   int      `xml:"RetMax"`
	RetStart int      `xml:"RetStart"`
	IDList   struct {
		IDs []string `xml:"Id"`
	} `xml:"IdList"`
}

// Article is the flattened metadata extracted from one PubmedArticle.
type Article struct {
	PMID      string
	Title     string
	Abstract  string
	Journal   string
	Year      int
	Authors   []string
	MeshTerms []string
	DOI       string
	PMCID     string
}

// pubmedArticleSet mirrors the efetch db=pubmed XML document.
type pubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	MedlineCitation medlineCitation `xml:"MedlineCitation"`
	PubmedData      pubmedData      `xml:"PubmedData"`
}

type medlineCitation struct {
	PMID            string          `xml:"PMID"`
	Article         articleXML      `xml:"Article"`
	MeshHeadingList meshHeadingList `xml:"MeshHeadingList"`
}

type articleXML struct {
	Title    string   `xml:"ArticleTitle"`
	Journal  journal  `xml:"Journal"`
	Abstract abstract `xml:"Abstract"`
	Authors  struct {
		Authors []author `xml:"Author"`
	} `xml:"AuthorList"`
}

type journal struct {
	Title        string `xml:"Title"`
	JournalIssue struct {
		PubDate pubDate `xml:"PubDate"`
	} `xml:"JournalIssue"`
}

type pubDate struct {
	Year        string `xml:"Year"`
	MedlineDate string `xml:"MedlineDate"`
}

type abstract struct {
	Sections []abstractText `xml:"AbstractText"`
}

// abstractText captures structured abstracts where each section carries
// a Label attribute (BACKGROUND, METHODS, ...).
type abstractText struct {
	Label string `xml:"Label,attr"`
	Text  string `xml:",chardata"`
}

type author struct {
	LastName   string `xml:"LastName"`
	ForeName   string `xml:"ForeName"`
	Initials   string `xml:"Initials"`
	Collective string `xml:"CollectiveName"`
}

type meshHeadingList struct {
	Headings []meshHeading `xml:"MeshHeading"`
}

type meshHeading struct {
	Descriptor string `xml:"DescriptorName"`
}

type pubmedData struct {
	ArticleIDList struct {
		IDs []articleID `xml:"ArticleId"`
	} `xml:"ArticleIdList"`
}

// articleID cross-references the record in other systems; IDType is
// "doi", "pmc", "pubmed", etc.
type articleID struct {
	IDType string `xml:"IdType,attr"`
	Value  string `xml:",chardata"`
}
