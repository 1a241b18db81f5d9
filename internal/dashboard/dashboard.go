// Package dashboard serves the opsledger web UI and REST API.
//
// The dashboard is the read surface over the audit chain plus the single
// ingestion endpoint the surrounding application appends through:
//
//   - Web UI:     GET  /                - Single-page HTML dashboard
//   - WebSocket:  GET  /ws              - Live feed of appended entries
//   - REST API:   GET  /api/status      - Tail sequence, entry count, algorithm
//                 GET  /api/entries     - Filtered recent entries
//                 GET  /api/verify      - Run a range verification
//                 GET  /api/export      - Stream an export (jsonl/json/csv)
//                 POST /api/events      - Append an audit event
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opsledger/opsledger/internal/ledger"
	"github.com/opsledger/opsledger/internal/store"
)

// Backend is the read surface the dashboard needs beyond the core Store
// contract: filtered queries and entry counts. Both store implementations
// satisfy it.
type Backend interface {
	ledger.Store
	Query(ctx context.Context, params store.QueryParams) ([]ledger.Entry, error)
	Count(ctx context.Context) (uint64, error)
}

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Appender *ledger.Appender
	Backend  Backend
}

// Dashboard serves the web UI and REST API.
type Dashboard struct {
	appender *ledger.Appender
	backend  Backend
	hub      *feedHub
}

// New creates a Dashboard.
func New(opts Options) *Dashboard {
	return &Dashboard{
		appender: opts.Appender,
		backend:  opts.Backend,
		hub:      newFeedHub(),
	}
}

// Handler returns the full route table. Mounted at the server root.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/ws", d.handleWebSocket)
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/entries", d.handleAPIEntries)
	mux.HandleFunc("/api/verify", d.handleAPIVerify)
	mux.HandleFunc("/api/export", d.handleAPIExport)
	mux.HandleFunc("/api/events", d.handleAPIEvents)
	return mux
}

// BroadcastEntry sends an appended entry to all connected WebSocket
// clients. Wired as the appender's Notify hook. Never blocks the append:
// a client whose buffer is full loses its connection, not the appender
// (the chain itself is always durable; the feed is best-effort).
func (d *Dashboard) BroadcastEntry(e ledger.Entry) {
	d.hub.broadcast(e)
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// handleAPIStatus returns chain status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	seq, hash, err := d.appender.Tail(r.Context())
	if err != nil {
		slog.Error("status: tail read failed", "error", err)
		http.Error(w, "tail read failed", http.StatusInternalServerError)
		return
	}
	count, err := d.backend.Count(r.Context())
	if err != nil {
		slog.Error("status: count failed", "error", err)
		http.Error(w, "count failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tail_seq":  seq,
		"tail_hash": hash,
		"entries":   count,
		"algorithm": d.appender.Algorithm(),
	})
}

// handleAPIEntries returns recent entries, newest first.
// GET /api/entries?limit=50&actor=alice&action=CREATE&resource=vm*&since=1h
func (d *Dashboard) handleAPIEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	params := store.QueryParams{
		Actor:    r.URL.Query().Get("actor"),
		Action:   r.URL.Query().Get("action"),
		Resource: r.URL.Query().Get("resource"),
		Limit:    50,
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			params.Limit = parsed
		}
	}
	if s := r.URL.Query().Get("since"); s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		params.Since = dur
	}

	entries, err := d.backend.Query(r.Context(), params)
	if err != nil {
		slog.Error("entries query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAPIVerify runs a chain verification and returns the report.
// GET /api/verify?from=1&to=100  (both optional; defaults to the full chain)
//
// A non-valid report is still HTTP 200 — the report itself carries the
// verdict, and findings are data the operator must see, not a transport
// failure.
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	from, ok := parseSeqParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseSeqParam(w, r, "to")
	if !ok {
		return
	}

	report, err := ledger.Verify(r.Context(), d.backend, d.appender.Algorithm(), from, to)
	if err != nil {
		slog.Error("verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	if !report.Valid {
		slog.Warn("chain verification found problems",
			"from", report.From, "to", report.To, "findings", len(report.Findings))
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAPIExport streams an export of the chain.
// GET /api/export?format=jsonl&from=1&to=100
func (d *Dashboard) handleAPIExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "jsonl"
	}
	from, ok := parseSeqParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseSeqParam(w, r, "to")
	if !ok {
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.jsonl"`)
	default:
		http.Error(w, "unsupported format (use jsonl, json, or csv)", http.StatusBadRequest)
		return
	}

	if err := ledger.Export(r.Context(), d.backend, from, to, format, w); err != nil {
		// Headers are gone already; all we can do is log.
		slog.Error("export failed", "format", format, "error", err)
	}
}

// handleAPIEvents appends an audit event. This is the application-facing
// ingestion point: the HTTP layer of the surrounding dashboard posts here
// after each security-relevant action.
//
// POST /api/events
//
//	{"actor": "alice", "action": "CREATE", "resource_type": "vm",
//	 "resource_name": "web01", "payload": {"cpus": 4}}
func (d *Dashboard) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	// UseNumber keeps payload integers as integers; a plain Decode would
	// turn them into float64, which the hashed value set rejects.
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var ev ledger.Event
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	entry, err := d.appender.Append(r.Context(), ev)
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		// Conflict exhaustion and durability failures both mean the event
		// was not recorded (or cannot be confirmed recorded) — the caller
		// must not assume success.
		slog.Error("append via API failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// parseSeqParam parses an optional uint64 query parameter; 0 when absent.
func parseSeqParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded single-page UI: chain status, recent
// entries, and the live feed. Refreshes via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>opsledger</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 2fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  dt { color: #8b949e; font-size: 12px; margin-top: 8px; }
  dd { font-family: monospace; font-size: 13px; word-break: break-all; }
  .verdict-valid { color: #3fb950; font-weight: bold; }
  .verdict-broken { color: #f85149; font-weight: bold; }
  .action-DELETE, .action-EXECUTE { color: #f85149; }
  .action-CREATE { color: #3fb950; }
  .action-LOGIN, .action-LOGOUT { color: #58a6ff; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>opsledger</h1>
<p class="subtitle">Tamper-evident audit chain</p>

<div class="grid">
  <div class="card">
    <h2>Chain</h2>
    <dl>
      <dt>Tail sequence</dt><dd id="tail-seq">-</dd>
      <dt>Entries</dt><dd id="entry-count">-</dd>
      <dt>Algorithm</dt><dd id="algorithm">-</dd>
      <dt>Integrity</dt><dd id="verdict">not checked</dd>
    </dl>
    <p style="margin-top:12px"><button class="btn" onclick="runVerify()">Verify chain</button></p>
  </div>
  <div class="card">
    <h2>Recent Entries</h2>
    <table>
      <thead><tr><th>Seq</th><th>Time</th><th>Actor</th><th>Action</th><th>Resource</th></tr></thead>
      <tbody id="entries-tbody"><tr><td colspan="5">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function resource(e) {
  let r = esc(e.resource_type);
  if (e.resource_name) r += '/' + esc(e.resource_name);
  return r;
}
async function refresh() {
  try {
    const [statusRes, entriesRes] = await Promise.all([
      fetch('/api/status'), fetch('/api/entries?limit=20')
    ]);
    const status = await statusRes.json();
    const entries = await entriesRes.json();
    document.getElementById('tail-seq').textContent = status.tail_seq;
    document.getElementById('entry-count').textContent = status.entries;
    document.getElementById('algorithm').textContent = status.algorithm;
    renderEntries(entries);
  } catch(e) { console.error('refresh failed:', e); }
}

function renderEntries(entries) {
  const tbody = document.getElementById('entries-tbody');
  if (!entries || entries.length === 0) { tbody.innerHTML = '<tr><td colspan="5">No entries yet</td></tr>'; return; }
  tbody.innerHTML = entries.map(e =>
    '<tr><td>' + e.seq + '</td><td>' + esc(e.ts) + '</td><td>' + esc(e.actor||'-') +
    '</td><td class="action-' + esc(e.action) + '">' + esc(e.action) + '</td><td>' + resource(e) + '</td></tr>'
  ).join('');
}

async function runVerify() {
  const el = document.getElementById('verdict');
  el.textContent = 'verifying...';
  el.className = '';
  try {
    const report = await (await fetch('/api/verify')).json();
    if (report.valid) {
      el.textContent = 'VALID (' + report.entries_checked + ' entries)';
      el.className = 'verdict-valid';
    } else {
      el.textContent = 'BROKEN: ' + report.findings.map(f => f.kind + '@' + f.seq).join(', ');
      el.className = 'verdict-broken';
    }
  } catch(e) { el.textContent = 'verify failed'; el.className = 'verdict-broken'; }
}

// WebSocket live feed of appended entries.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = '#' + entry.seq + ' [' + esc(entry.ts) + '] ' + esc(entry.actor||'-') +
        ' <span class="action-' + esc(entry.action) + '">' + esc(entry.action) + '</span> ' + resource(entry);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
