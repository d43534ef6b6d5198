package email

import (
	"dispenser-watch/pkg/schedule"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Parse recovers the rows of a rendered email body.
func Parse(htmlBody string) ([]Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil, fmt.Errorf("parse email html: %w", err)
	}

	var rows []Row
	var parseErr error
	doc.Find("div.change[data-kind]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		kindAttr, _ := s.Attr("data-kind")
		sevAttr, _ := s.Attr("data-severity")

		kind, err := schedule.ParseKind(kindAttr)
		if err != nil {
			parseErr = fmt.Errorf("row %d: %w", i, err)
			return false
		}
		sev, err := schedule.ParseSeverity(sevAttr)
		if err != nil {
			parseErr = fmt.Errorf("row %d: %w", i, err)
			return false
		}
		rows = append(rows, Row{
			Kind:     kind,
			Severity: sev,
			Detail:   strings.TrimSpace(s.Find("span.detail").Text()),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return rows, nil
}
