package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
)

// ClaimData feeds the seat-offer templates. Competitors is the number of
// other users notified in the same run, so the recipient understands the
// offer is first come, first served.
type ClaimData struct {
	FullName    string
	CourseName  string
	ClaimURL    string
	LeaveURL    string
	Competitors int
}

const claimSubjectFormat = "A seat in %s is available"

const claimPlainText = `Hi {{.FullName}},

A seat has opened up in {{.CourseName}}. {{if gt .Competitors 0}}{{.Competitors}} other waitlisted {{if eq .Competitors 1}}user was{{else}}users were{{end}} notified at the same time, so the seat goes to whoever claims it first.{{else}}You are the only user being notified.{{end}}

Claim the seat:
{{.ClaimURL}}

No longer interested? Leave the waiting list:
{{.LeaveURL}}
`

const claimHTML = `<p>Hi {{.FullName}},</p>
<p>A seat has opened up in <strong>{{.CourseName}}</strong>.
{{if gt .Competitors 0}}{{.Competitors}} other waitlisted {{if eq .Competitors 1}}user was{{else}}users were{{end}} notified at the same time, so the seat goes to whoever claims it first.{{else}}You are the only user being notified.{{end}}</p>
<p><a href="{{.ClaimURL}}">Claim the seat</a></p>
<p>No longer interested? <a href="{{.LeaveURL}}">Leave the waiting list</a>.</p>
`

// ExpiryWarningData feeds the individual advance-expiry warning.
type ExpiryWarningData struct {
	FullName   string
	CourseName string
	EndsAt     string
}

const expirySubjectFormat = "Your enrollment in %s is about to expire"

const expiryPlainText = `Hi {{.FullName}},

Your enrollment in {{.CourseName}} ends on {{.EndsAt}}. After that date you will lose access to the course.
`

// ExpiryDigestData feeds the digest sent to the instance approver.
type ExpiryDigestData struct {
	CourseName string
	Names      []string
}

const digestSubjectFormat = "%d enrollments in %s are about to expire"

const digestPlainText = `The following enrollments in {{.CourseName}} are about to expire:
{{range .Names}}
  - {{.}}{{end}}
`

var (
	claimPlainTemplate  = texttemplate.Must(texttemplate.New("claim_plain").Parse(claimPlainText))
	claimHTMLTemplate   = htmltemplate.Must(htmltemplate.New("claim_html").Parse(claimHTML))
	expiryPlainTemplate = texttemplate.Must(texttemplate.New("expiry_plain").Parse(expiryPlainText))
	digestPlainTemplate = texttemplate.Must(texttemplate.New("digest_plain").Parse(digestPlainText))
)

// ClaimURL builds the redemption link for a token under the given base URL.
func ClaimURL(baseURL, token string) string {
	return fmt.Sprintf("%s/claim?token=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(token))
}

// LeaveURL builds the leave-waitlist link for an instance.
func LeaveURL(baseURL string, instanceID int64) string {
	return fmt.Sprintf("%s/waitlist/%d/leave", strings.TrimRight(baseURL, "/"), instanceID)
}

// BuildClaimMessage renders the seat-offer subject and bodies.
func BuildClaimMessage(data ClaimData) (subject, plain, html string, err error) {
	var plainBuf, htmlBuf bytes.Buffer
	if err := claimPlainTemplate.Execute(&plainBuf, data); err != nil {
		return "", "", "", err
	}
	if err := claimHTMLTemplate.Execute(&htmlBuf, data); err != nil {
		return "", "", "", err
	}
	return fmt.Sprintf(claimSubjectFormat, data.CourseName), plainBuf.String(), htmlBuf.String(), nil
}

// BuildExpiryWarning renders the individual advance-expiry warning.
func BuildExpiryWarning(data ExpiryWarningData) (subject, plain string, err error) {
	var buf bytes.Buffer
	if err := expiryPlainTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return fmt.Sprintf(expirySubjectFormat, data.CourseName), buf.String(), nil
}

// BuildExpiryDigest renders the approver digest.
func BuildExpiryDigest(data ExpiryDigestData) (subject, plain string, err error) {
	var buf bytes.Buffer
	if err := digestPlainTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return fmt.Sprintf(digestSubjectFormat, len(data.Names), data.CourseName), buf.String(), nil
}
