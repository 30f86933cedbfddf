package notifier

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/skypass/fleetwatch/internal/evaluator"
	"github.com/skypass/fleetwatch/internal/types"
)

// AlertData is what the templates see.
type AlertData struct {
	Name      string
	VMAddress string
	Address   string
	Kind      types.AlertKind
	Count     int
	Limit     int
	Percent   float64
	Excess    int
	At        time.Time
}

func newAlertData(ep types.TrackedEndpoint, count int, kind types.AlertKind, at time.Time) AlertData {
	a := evaluator.Assess(count, ep.Limit)
	return AlertData{
		Name:      ep.Name,
		VMAddress: ep.VMAddress,
		Address:   ep.Address,
		Kind:      kind,
		Count:     count,
		Limit:     ep.Limit,
		Percent:   a.Percent,
		Excess:    a.Excess,
		At:        at,
	}
}

// Exceeded reports whether the template should render the excess line.
func (d AlertData) Exceeded() bool {
	return d.Kind == types.KindExceeded
}

// Title is the short human title for the kind.
func (d AlertData) Title() string {
	if d.Exceeded() {
		return "Device limit exceeded"
	}
	return "Approaching device limit"
}

// Phrase completes "<name> ..." in message bodies.
func (d AlertData) Phrase() string {
	if d.Exceeded() {
		return "has exceeded its configured device limit"
	}
	return "is close to its configured device limit"
}

// Color is the accent used for the call-to-action line.
func (d AlertData) Color() string {
	if d.Exceeded() {
		return "#dc3545"
	}
	return "#ffc107"
}

func (d AlertData) icon() string {
	if d.Exceeded() {
		return "🚨"
	}
	return "⚠️"
}

var tenantTmpl = template.Must(template.New("tenant").Parse(`<h2>{{.Title}}</h2>
<p>Hello,</p>
<p><strong>{{.Name}}</strong> {{.Phrase}}.</p>
<div style="background-color: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0;">
  <p><strong>Summary</strong></p>
  <ul>
    <li>Current devices: <strong>{{.Count}}</strong></li>
    <li>Allowed limit: <strong>{{.Limit}}</strong></li>
    <li>Usage: <strong>{{printf "%.1f" .Percent}}%</strong></li>
    {{- if .Exceeded}}
    <li>Excess: <strong>{{.Excess}} device(s)</strong></li>
    {{- end}}
  </ul>
</div>
<p style="color: {{.Color}};"><strong>Please contact us to upgrade your plan.</strong></p>
<p>Date: {{.At.Format "02/01/2006 15:04"}}</p>
<hr>
<p><small>fleetwatch capacity monitoring</small></p>
`))

var adminTmpl = template.Must(template.New("admin").Parse(`<h2>Technical alert</h2>
<p><strong>Alert type:</strong> {{.Title}}</p>
<p><strong>Tenant:</strong> {{.Name}}</p>
<p><strong>VM address:</strong> {{.VMAddress}}</p>
<p><strong>Management URL:</strong> {{.Address}}</p>
<p><strong>Current devices:</strong> {{.Count}}</p>
<p><strong>Configured limit:</strong> {{.Limit}}</p>
<p><strong>Usage:</strong> {{printf "%.1f" .Percent}}%</p>
{{- if .Exceeded}}
<p><strong>Excess:</strong> {{.Excess}} device(s)</p>
{{- end}}
<p><strong>Date:</strong> {{.At.Format "2006-01-02 15:04:05"}}</p>
<div style="background-color: #fff3cd; padding: 15px; border-radius: 5px; margin: 20px 0;">
  <p><strong>Suggested actions</strong></p>
  <ul>
    <li>Check connectivity with the device API</li>
    <li>Review the configured limit</li>
    <li>Contact the tenant if needed</li>
  </ul>
</div>
<p style="color: {{.Color}};"><strong>{{.Name}} {{.Phrase}}.</strong></p>
`))

// Rendered is a subject plus HTML body.
type Rendered struct {
	Subject string
	HTML    string
}

// RenderTenant renders the message sent to the tenant's alert address.
func RenderTenant(d AlertData) (Rendered, error) {
	return render(tenantTmpl, d, fmt.Sprintf("%s %s: %s", d.icon(), d.Title(), d.Name))
}

// RenderAdmin renders the technical copy for the operator.
func RenderAdmin(d AlertData) (Rendered, error) {
	return render(adminTmpl, d, fmt.Sprintf("[ADMIN] %s: %s - technical details", d.Title(), d.Name))
}

func render(t *template.Template, d AlertData, subject string) (Rendered, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return Rendered{Subject: subject, HTML: buf.String()}, nil
}
