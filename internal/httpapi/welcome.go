package httpapi

import "net/http"

const welcomePage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>OCPP Proxy</title>
</head>
<body>
  <h1>OCPP Proxy</h1>
  <p>Proxy one EV charger to multiple backends and log charging sessions.</p>
  <h2>Endpoints</h2>
  <ul>
    <li><code>/charger</code> &mdash; WebSocket for the charger (subprotocols ocpp1.6, ocpp2.0.1)</li>
    <li><code>/backend?id=your_backend_id</code> &mdash; WebSocket for backend clients</li>
    <li><a href="/sessions">/sessions</a> &mdash; JSON session data</li>
    <li><a href="/sessions.csv">/sessions.csv</a> &mdash; CSV session export</li>
    <li><a href="/status">/status</a> &mdash; backend status and control holder</li>
    <li><code>POST /override</code> &mdash; toggle the administrative override</li>
    <li><a href="/metrics">/metrics</a> &mdash; Prometheus metrics</li>
  </ul>
</body>
</html>
`

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(welcomePage))
}
