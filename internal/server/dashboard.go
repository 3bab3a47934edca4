package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Skywalker</title>
    <meta name="description" content="Real-time intelligence pipeline for operational telemetry">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◈</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --red: #ef4444;
            --amber: #f59e0b;
            --blue: #3b82f6;
        }

        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 14px;
            line-height: 1.5;
            -webkit-font-smoothing: antialiased;
        }

        .mono { font-family: 'JetBrains Mono', monospace; }

        .container { max-width: 1200px; margin: 0 auto; padding: 24px; }

        header {
            display: flex;
            align-items: baseline;
            justify-content: space-between;
            padding-bottom: 16px;
            border-bottom: 1px solid var(--border);
            margin-bottom: 24px;
        }

        header h1 { font-size: 18px; font-weight: 600; }
        header .status { color: var(--text-secondary); font-size: 12px; }
        header .status .dot {
            display: inline-block;
            width: 8px; height: 8px;
            border-radius: 50%;
            background: var(--text-tertiary);
            margin-right: 6px;
        }
        header .status.live .dot { background: var(--accent); }

        .grid {
            display: grid;
            grid-template-columns: repeat(4, 1fr);
            gap: 12px;
            margin-bottom: 24px;
        }

        .card {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px;
        }

        .card .label {
            font-size: 11px;
            text-transform: uppercase;
            letter-spacing: 0.05em;
            color: var(--text-tertiary);
            margin-bottom: 4px;
        }

        .card .value { font-size: 24px; font-weight: 600; }
        .card .value.ok { color: var(--accent); }
        .card .value.warn { color: var(--amber); }
        .card .value.bad { color: var(--red); }

        .columns { display: grid; grid-template-columns: 1fr 1fr; gap: 12px; }

        .panel {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px;
        }

        .panel h2 {
            font-size: 13px;
            font-weight: 600;
            color: var(--text-secondary);
            margin-bottom: 12px;
        }

        .feed { max-height: 420px; overflow-y: auto; }
        .feed .item {
            display: flex;
            gap: 8px;
            padding: 6px 0;
            border-bottom: 1px solid var(--border);
            font-size: 12px;
        }
        .feed .item:last-child { border-bottom: none; }
        .feed .domain { color: var(--blue); min-width: 90px; }
        .feed .kind { color: var(--text-secondary); flex: 1; }
        .feed .prio { color: var(--text-tertiary); }
        .feed .item.high .prio { color: var(--red); }

        .rec {
            padding: 8px 0;
            border-bottom: 1px solid var(--border);
            font-size: 12px;
        }
        .rec:last-child { border-bottom: none; }
        .rec .action { color: var(--amber); }
        .rec .reason { color: var(--text-secondary); }

        .empty { color: var(--text-tertiary); font-size: 12px; padding: 8px 0; }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>◈ Skywalker</h1>
            <div class="status" id="conn"><span class="dot"></span><span id="conn-text">connecting</span></div>
        </header>

        <div class="grid">
            <div class="card">
                <div class="label">Risk Index</div>
                <div class="value mono" id="risk">—</div>
            </div>
            <div class="card">
                <div class="label">Governance</div>
                <div class="value mono" id="governance">—</div>
            </div>
            <div class="card">
                <div class="label">Security</div>
                <div class="value mono" id="security">—</div>
            </div>
            <div class="card">
                <div class="label">Anomaly</div>
                <div class="value mono" id="anomaly">—</div>
            </div>
        </div>

        <div class="columns">
            <div class="panel">
                <h2>Live events</h2>
                <div class="feed" id="feed"><div class="empty">Waiting for events…</div></div>
            </div>
            <div class="panel">
                <h2>Recommendations</h2>
                <div id="recs"><div class="empty">None yet</div></div>
            </div>
        </div>
    </div>

    <script>
        const MAX_FEED = 50;
        const feed = document.getElementById('feed');
        const recs = document.getElementById('recs');

        function setScore(id, v) {
            const el = document.getElementById(id);
            if (typeof v !== 'number') { el.textContent = '—'; return; }
            el.textContent = v;
            el.classList.remove('ok', 'warn', 'bad');
            if (v < 40) el.classList.add('ok');
            else if (v < 70) el.classList.add('warn');
            else el.classList.add('bad');
        }

        function onRisk(state) {
            setScore('risk', state.riskIndex);
            const c = state.components || {};
            setScore('governance', c.governance);
            setScore('security', c.security);
            setScore('anomaly', c.anomaly);
        }

        function onEnvelope(msg) {
            const empty = feed.querySelector('.empty');
            if (empty) empty.remove();

            const item = document.createElement('div');
            item.className = 'item' + (msg.priority >= 4 ? ' high' : '');
            item.innerHTML =
                '<span class="domain mono">' + esc(msg.domain) + '</span>' +
                '<span class="kind mono">' + esc(msg.kind) + '</span>' +
                '<span class="prio mono">p' + (msg.priority || 0) + '</span>';
            feed.prepend(item);
            while (feed.children.length > MAX_FEED) feed.lastChild.remove();
        }

        function onRecommendation(rec) {
            const empty = recs.querySelector('.empty');
            if (empty) empty.remove();

            const item = document.createElement('div');
            item.className = 'rec';
            item.innerHTML =
                '<div class="action mono">' + esc(rec.title || rec.id || '') + '</div>' +
                '<div class="reason">' + esc(rec.description || '') + '</div>';
            recs.prepend(item);
            while (recs.children.length > 10) recs.lastChild.remove();
        }

        function esc(s) {
            return String(s).replace(/[&<>"']/g, c => '&#' + c.charCodeAt(0) + ';');
        }

        async function loadSummary() {
            try {
                const res = await fetch('/v1/intel/summary');
                if (!res.ok) return;
                onRisk(await res.json());
            } catch (e) { /* offline */ }
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/ws');
            const conn = document.getElementById('conn');
            const connText = document.getElementById('conn-text');

            ws.onopen = () => {
                conn.classList.add('live');
                connText.textContent = 'live';
                ws.send(JSON.stringify({ allMessages: true }));
            };

            ws.onmessage = (e) => {
                let msg;
                try { msg = JSON.parse(e.data); } catch { return; }
                if (msg.type === 'envelope') onEnvelope(msg);
                else if (msg.type === 'risk_update') onRisk(msg.data || {});
                else if (msg.type === 'recommendation') onRecommendation(msg.data || {});
            };

            ws.onclose = () => {
                conn.classList.remove('live');
                connText.textContent = 'reconnecting';
                setTimeout(connect, 3000);
            };
        }

        loadSummary();
        setInterval(loadSummary, 15000);
        connect();
    </script>
</body>
</html>`

// dashboardHandler serves the live intelligence dashboard
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
