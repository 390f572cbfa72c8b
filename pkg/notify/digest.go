package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

var digestTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
}).Parse(`<html>
<head>
<style>
body { font-family: Arial, sans-serif; }
.alert { margin: 10px 0; padding: 10px; border-left: 4px solid; border-radius: 4px; }
.critical { border-color: #d32f2f; background-color: #ffebee; }
.warning { border-color: #ed6c02; background-color: #fff3e0; }
.info { border-color: #0288d1; background-color: #e3f2fd; }
.timestamp { color: #666; font-size: 0.8em; }
</style>
</head>
<body>
<h2>Network Monitoring Alerts</h2>
<p>Generated at: {{.GeneratedAt}}</p>
{{- range .Sections}}
<section class="{{.Severity}}">
<h3>{{upper .Severity}} ({{len .Alerts}})</h3>
{{- range .Alerts}}
<div class="alert {{.Severity}}">
<h3>{{upper .Type}} Alert - {{upper .Severity}}</h3>
<p>{{.Message}}</p>
{{- if .Source}}
<p>Source: {{.Source}}</p>
{{- end}}
<p class="timestamp">Time: {{.Time}}</p>
</div>
{{- end}}
</section>
{{- end}}
</body>
</html>
`))

type digestAlert struct {
	Type     models.MetricType
	Severity models.Severity
	Message  string
	Source   string
	Time     string
}

type digestSection struct {
	Severity models.Severity
	Alerts   []digestAlert
}

// Digest is a rendered notification body
type Digest struct {
	Subject string
	HTML    string
}

// RenderDigest groups alerts into severity sections, critical first,
// keeping the caller's order inside a section
func RenderDigest(alerts []models.Alert, now time.Time) (Digest, error) {
	if len(alerts) == 0 {
		return Digest{}, ErrNoAlerts
	}
	order := []models.Severity{models.SeverityCritical, models.SeverityWarning, models.SeverityInfo}
	bySeverity := make(map[models.Severity][]digestAlert)
	for _, a := range alerts {
		sev := a.Severity
		if !sev.Valid() {
			sev = models.SeverityInfo
		}
		ts := a.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		bySeverity[sev] = append(bySeverity[sev], digestAlert{
			Type:     a.Type,
			Severity: sev,
			Message:  a.Message,
			Source:   a.Source,
			Time:     ts.Format(timeLayout),
		})
	}

	var sections []digestSection
	for _, sev := range order {
		if len(bySeverity[sev]) > 0 {
			sections = append(sections, digestSection{Severity: sev, Alerts: bySeverity[sev]})
		}
	}

	var buf bytes.Buffer
	err := digestTemplate.Execute(&buf, struct {
		GeneratedAt string
		Sections    []digestSection
	}{now.Format(timeLayout), sections})
	if err != nil {
		return Digest{}, fmt.Errorf("failed to render alert digest: %w", err)
	}
	return Digest{
		Subject: "Network Monitoring Alerts - " + now.Format(timeLayout),
		HTML:    buf.String(),
	}, nil
}
