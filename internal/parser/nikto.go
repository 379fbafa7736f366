package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anstrom/scanpilot/internal/tools"
)

// NiktoTarget is the scanned host as nikto reports it.
type NiktoTarget struct {
	IP       string `json:"targetip" xml:"targetip,attr"`
	Hostname string `json:"targethostname" xml:"targethostname,attr"`
	Port     string `json:"targetport" xml:"targetport,attr"`
	Banner   string `json:"targetbanner" xml:"targetbanner,attr"`
}

// NiktoItem is one reported issue.
type NiktoItem struct {
	ID          string `json:"id" xml:"id,attr"`
	OSVDBID     string `json:"osvdbid,omitempty" xml:"osvdbid,attr"`
	OSVDBLink   string `json:"osvdblink,omitempty" xml:"osvdblink,attr"`
	Method      string `json:"method,omitempty" xml:"method,attr"`
	Description string `json:"description" xml:"description"`
	URI         string `json:"uri" xml:"uri"`
	NameLink    string `json:"namelink,omitempty" xml:"namelink"`
	IPLink      string `json:"iplink,omitempty" xml:"iplink"`
}

// NiktoStatistics summarizes a nikto run.
type NiktoStatistics struct {
	Elapsed     string `json:"elapsed" xml:"elapsed,attr"`
	ItemsFound  string `json:"itemsfound" xml:"itemsfound,attr"`
	ItemsTested string `json:"itemstested" xml:"itemstested,attr"`
}

type niktoDetails struct {
	NiktoTarget
	Items      []NiktoItem      `xml:"item"`
	Statistics *NiktoStatistics `xml:"statistics"`
}

func parseNikto(stdout, stderr string) Findings {
	doc, ok := xmlContent(stdout, stderr, "niktoscan")
	if !ok {
		return textFallback(tools.Nikto)
	}

	f := Findings{Tool: string(tools.Nikto), Format: FormatXML, Items: []NiktoItem{}}
	dec := xml.NewDecoder(strings.NewReader(doc))
	seenRoot := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parseFailure(tools.Nikto, fmt.Errorf("XML parse error: %w", err))
		}

		start, isStart := tok.(xml.StartElement)
		if !isStart {
			continue
		}
		switch start.Name.Local {
		case "niktoscan", "niktoscans":
			seenRoot = true
		case "scandetails":
			var d niktoDetails
			if err := dec.DecodeElement(&d, &start); err != nil {
				return parseFailure(tools.Nikto, fmt.Errorf("XML parse error: %w", err))
			}
			if f.Target == nil {
				target := d.NiktoTarget
				f.Target = &target
			}
			for _, it := range d.Items {
				it.Description = strings.TrimSpace(it.Description)
				it.URI = strings.TrimSpace(it.URI)
				f.Items = append(f.Items, it)
			}
			if d.Statistics != nil {
				f.Statistics = d.Statistics
			}
		}
	}

	if !seenRoot {
		return parseFailure(tools.Nikto, errors.New("XML parse error: no niktoscan element"))
	}
	f.Parsed = true
	return f
}
