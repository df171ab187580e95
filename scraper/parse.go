package scraper

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"otp-notifier/pkg/otp"
)

// Selectors for the portal markup. Each is a union so small layout changes
// on the portal do not break extraction.
const (
	dashboardSelector = `.dashboard, .sidebar, .main-content, [data-testid="dashboard"]`
	tableSelector     = `table, .message-list, .sms-list, #received-sms-table`
	rowSelector       = `tbody tr, .message, .sms-item, .sms-entry`
	timestampSelector = `.sms-time, .timestamp, .date, .time, td:nth-child(1)`
	senderSelector    = `.sms-from, .sender, .from, .number, td:nth-child(2)`
	textSelector      = `.sms-text, .message-text, .content, .text, td:nth-child(3)`
	serviceSelector   = `.sms-service, .service, .source, td:nth-child(4)`
	loginErrSelector  = `.error, .alert-danger, .login-error, .invalid-feedback, [class*="error"], [class*="invalid"]`
	feedLinkSelector  = `a[href*="sms/received"]`
	feedLinkText      = "My SMS Statistics"
)

func isDashboard(doc *goquery.Document) bool {
	return doc.Find(dashboardSelector).Length() > 0
}

func hasTable(doc *goquery.Document) bool {
	return doc.Find(tableSelector).Length() > 0
}

func firstText(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

// parseEntries extracts message rows in page order. Rows missing a
// timestamp, sender or text are skipped.
func parseEntries(doc *goquery.Document) []otp.Entry {
	var entries []otp.Entry
	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		timestamp := firstText(row, timestampSelector)
		sender := firstText(row, senderSelector)
		text := firstText(row, textSelector)
		if timestamp == "" || sender == "" || text == "" {
			return
		}
		entries = append(entries, otp.Entry{
			ID:        otp.EntryID(timestamp, sender),
			Timestamp: timestamp,
			Sender:    sender,
			Body:      text,
			Service:   firstText(row, serviceSelector),
		})
	})
	return entries
}

// loginErrorMessage returns the first visible error text on a login page.
func loginErrorMessage(doc *goquery.Document) string {
	var msg string
	doc.Find(loginErrSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, hidden := s.Attr("hidden"); hidden {
			return true
		}
		msg = strings.Join(strings.Fields(s.Text()), " ")
		return msg == ""
	})
	return msg
}

// loginForm is the parsed login form ready for submission.
type loginForm struct {
	values        url.Values
	action        string
	emailField    string
	passwordField string
}

// parseLoginForm finds the form holding the password input and collects its
// hidden fields, including the CSRF token.
func parseLoginForm(doc *goquery.Document) (*loginForm, bool) {
	form := doc.Find(`form:has(input[type="password"])`).First()
	if form.Length() == 0 {
		return nil, false
	}

	f := &loginForm{values: url.Values{}, emailField: "email", passwordField: "password"}
	f.action, _ = form.Attr("action")

	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		typ, _ := in.Attr("type")
		switch strings.ToLower(typ) {
		case "hidden":
			v, _ := in.Attr("value")
			f.values.Set(name, v)
		case "email":
			f.emailField = name
		case "password":
			f.passwordField = name
		case "checkbox":
			if name == "remember" {
				f.values.Set(name, "on")
			}
		}
	})
	return f, true
}

// feedLink finds the link to the received-SMS page on the dashboard.
func feedLink(doc *goquery.Document) (string, bool) {
	if href, ok := doc.Find(feedLinkSelector).First().Attr("href"); ok {
		return href, true
	}
	var href string
	doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.Contains(a.Text(), feedLinkText) {
			href, _ = a.Attr("href")
			return false
		}
		return true
	})
	return href, href != ""
}
