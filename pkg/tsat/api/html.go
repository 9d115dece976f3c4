package api

// HTMLPage is a live view of the estimate stream served at /.
const HTMLPage = `<!DOCTYPE html>
<html>
<head>
    <title>tsat estimates</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-bottom: 10px; }
        #status {
            margin: 20px 0;
            padding: 15px;
            border-radius: 4px;
            font-weight: 500;
        }
        .status-connecting { background: #cce5ff; color: #004085; }
        .status-connected { background: #d4edda; color: #155724; }
        .status-closed { background: #e2e3e5; color: #383d41; }
        table { width: 100%; border-collapse: collapse; font-family: monospace; }
        th, td { text-align: right; padding: 4px 8px; border-bottom: 1px solid #eee; }
        th:first-child, td:first-child { text-align: left; }
    </style>
</head>
<body>
    <div class="container">
        <h1>tsat estimates</h1>
        <div id="status" class="status-connecting">Connecting...</div>
        <table>
            <thead>
                <tr><th>strategy</th><th>qx</th><th>qy</th><th>qz</th><th>qw</th><th>wx</th><th>wy</th><th>wz</th><th>time</th></tr>
            </thead>
            <tbody id="rows"></tbody>
        </table>
    </div>
    <script>
        const rows = {};
        const status = document.getElementById('status');
        const fmt = v => v.toFixed(5);

        function render(e) {
            let tr = rows[e.strategy];
            if (!tr) {
                tr = document.createElement('tr');
                document.getElementById('rows').appendChild(tr);
                rows[e.strategy] = tr;
            }
            const q = e.state.attitude, w = e.state.rate;
            tr.innerHTML = '<td>' + e.strategy + '</td>' +
                [q.x, q.y, q.z, q.w, w[0], w[1], w[2]].map(v => '<td>' + fmt(v) + '</td>').join('') +
                '<td>' + (e.time ? new Date(e.time).toLocaleTimeString() : '') + '</td>';
        }

        fetch('/api/estimators').then(r => r.json()).then(list => list.forEach(render));

        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onopen = () => { status.textContent = 'Streaming'; status.className = 'status-connected'; };
        ws.onclose = () => { status.textContent = 'Disconnected'; status.className = 'status-closed'; };
        ws.onmessage = ev => render(JSON.parse(ev.data));
    </script>
</body>
</html>
`
