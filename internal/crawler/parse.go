package crawler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	registrationLabel   = "Дата регистрации"
	bannedMarker        = "заблокирован"
	supportMarker       = "поддержка"
	unknownRegistration = "unknown"
)

var (
	nicknamePattern = regexp.MustCompile(`Пользователь (.*?) /`)
	lineBreak       = regexp.MustCompile(`(?i)<br\s*/?>`)
	nonDigits       = regexp.MustCompile(`\D`)
	notFoundTitles  = []string{"Ошибка 404", "Пользователь не найден"}
)

// ParsedProfile holds the fields extracted from a profile page.
type ParsedProfile struct {
	Nickname         string
	RegistrationDate string
	ReviewCount      int
	LotCount         int
	IsBanned         bool
	IsSupport        bool
}

// IsNotFoundPage reports whether a 2xx page is the site's soft 404.
func IsNotFoundPage(doc *goquery.Document) bool {
	title := strings.TrimSpace(doc.Find("title").Text())
	if title == "" {
		return true
	}
	for _, marker := range notFoundTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

// ParseProfile extracts profile fields. Only the nickname is mandatory; every
// other field falls back to its zero value or "unknown".
func ParseProfile(doc *goquery.Document) ParsedProfile {
	p := ParsedProfile{
		Nickname:         parseNickname(doc.Find("title").Text()),
		RegistrationDate: unknownRegistration,
	}

	doc.Find(".param-item").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Find("h5.text-bold").Text()) != registrationLabel {
			return
		}
		if date := firstLine(s.Find(".text-nowrap")); date != "" {
			p.RegistrationDate = date
		}
	})

	p.ReviewCount = parseDigits(doc.Find(".rating-full-count a").Text())
	p.LotCount = doc.Find(`a[data-href*="/lots/offer?id="]`).Length()
	p.IsBanned = strings.Contains(doc.Find(".label.label-danger").Text(), bannedMarker)
	p.IsSupport = strings.Contains(doc.Find(".label.label-success").Text(), supportMarker)

	return p
}

func parseNickname(title string) string {
	m := nicknamePattern.FindStringSubmatch(title)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// firstLine returns the text before the first <br> of the selection.
func firstLine(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	html, err := s.First().Html()
	if err != nil {
		return ""
	}
	part := lineBreak.Split(html, 2)[0]
	frag, err := goquery.NewDocumentFromReader(strings.NewReader(part))
	if err != nil {
		return strings.TrimSpace(part)
	}
	return strings.TrimSpace(frag.Text())
}

func parseDigits(text string) int {
	digits := nonDigits.ReplaceAllString(text, "")
	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}
