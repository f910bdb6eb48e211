package httpapi

import (
	"html/template"
	"net/http"

	"github.com/srg/trvd/internal/request"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Heating control</title>
</head>
<body>
<h1>Heating control v{{.Version}}</h1>
<p>Engine: {{.Queue.State}}{{with .Queue.Target}} ({{.}}){{end}} | queued: {{.Queue.Queued}} | MQTT: {{.Broker}}</p>

<h2>Send command</h2>
<form action="/trv" method="post">
<select name="address">
{{range .Devices.Devices}}<option value="{{.Address}}">{{.Address}} ({{.RSSI}} dBm)</option>
{{end}}</select>
<select name="verb">
{{range .Verbs}}<option>{{.}}</option>
{{end}}</select>
<input type="text" name="value" placeholder="value">
<input type="submit" value="Send">
</form>
<form action="/trv" method="post">
<input type="text" name="command" size="40" placeholder="00:1A:22:03:AC:11 settemp 21.5">
<input type="submit" value="Send">
</form>

<h2>Valves ({{.Devices.State}})</h2>
<form action="/scan" method="post"><input type="submit" value="Rescan"></form>
<table>
{{range .Devices.Devices}}<tr><td>{{.Address}}</td><td>{{.Name}}</td><td>{{.RSSI}} dBm</td></tr>
{{else}}<tr><td>No valves found</td></tr>
{{end}}</table>

<h2>Queue</h2>
<ol>
{{range .Queue.Commands}}<li>{{.Request}} (retries left {{.Retries}})</li>
{{end}}</ol>

<h2>Recent activity</h2>
<pre>{{range .Log}}{{.}}
{{end}}</pre>
</body>
</html>
`))

type indexPage struct {
	Version string
	Broker  string
	Verbs   []string
	Devices devicesResponse
	Queue   queueResponse
	Log     []string
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	page := indexPage{
		Version: s.deps.Version,
		Broker:  s.brokerState(),
		Verbs:   request.Verbs,
		Devices: s.devices(),
		Queue:   s.queue(),
		Log:     s.history(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, page); err != nil {
		s.logger.WithError(err).Error("Failed to render index page")
	}
}
