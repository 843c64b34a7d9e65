package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>PLD Console</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-input:#0d1117;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;--radius-sm:4px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
button{cursor:pointer;font-family:inherit;font-size:inherit}
.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.header-badges{display:flex;gap:8px;align-items:center;margin-left:auto}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-connected{color:var(--green);border-color:var(--green)}
.badge-error{color:var(--red);border-color:var(--red)}
.badge-validating{color:var(--yellow);border-color:var(--yellow)}
input{background:var(--bg-input);color:var(--text);border:1px solid var(--border);border-radius:var(--radius-sm);padding:4px 8px}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:28px;font-weight:700;line-height:1.2}
.card-error{font-size:12px;color:var(--red);margin-top:6px;min-height:18px}
h2{font-size:16px;margin:24px 0 12px}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius)}
th,td{text-align:left;padding:8px 12px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600}
.bar{height:6px;background:var(--border);border-radius:3px;overflow:hidden}
.bar>span{display:block;height:100%;background:var(--primary)}
.muted{color:var(--text-muted)}
@media(max-width:900px){.summary{grid-template-columns:repeat(2,1fr)}}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">PLD Console</div>
    <div class="header-badges">
      <span id="session-badge" class="badge">disconnected</span>
      <input id="api-key" type="password" placeholder="API key" size="16">
    </div>
  </div>
</header>
<div class="container">
  <div class="summary" id="views"></div>

  <h2>Session</h2>
  <table><tbody id="session"></tbody></table>

  <h2>Jobs</h2>
  <table>
    <thead><tr><th>Job</th><th>Kind</th><th>Status</th><th>Progress</th><th>Channel</th><th>Message</th><th></th></tr></thead>
    <tbody id="jobs"><tr><td colspan="7" class="muted">No jobs</td></tr></tbody>
  </table>
</div>
<script>
(function(){
  var keyInput = document.getElementById('api-key');
  keyInput.value = sessionStorage.getItem('pld_api_key') || '';
  keyInput.addEventListener('change', function(){
    sessionStorage.setItem('pld_api_key', keyInput.value);
    refresh();
  });

  function api(method, path){
    var headers = {};
    if (keyInput.value) headers['Authorization'] = 'Bearer ' + keyInput.value;
    return fetch(path, {method: method, headers: headers}).then(function(r){
      if (!r.ok) throw new Error(r.status + ' ' + r.statusText);
      return r.json();
    });
  }

  function esc(s){
    var d = document.createElement('div');
    d.textContent = s == null ? '' : String(s);
    return d.innerHTML;
  }

  var labels = {
    'server-health': 'Server health',
    'queue': 'Pending queue',
    'workers': 'Workers',
    'search-log': 'Search log'
  };

  function renderViews(views){
    document.getElementById('views').innerHTML = views.map(function(v){
      var s = v.snapshot || {};
      var value = s.loading ? '...' : v.view === 'server-health' ? (s.overall_status || '-')
        : v.view === 'workers' ? (s.worker_latencies || []).length
        : v.view === 'search-log' ? s.error_count : s.pending_queue;
      return '<div class="card"><div class="card-label">' + esc(labels[v.view] || v.view) +
        (v.running ? ' &middot; ' + esc(v.interval) : ' &middot; stopped') + '</div>' +
        '<div class="card-value">' + esc(value) + '</div>' +
        '<div class="card-error">' + esc(s.error || '') + '</div></div>';
    }).join('');
  }

  function renderSession(s){
    var badge = document.getElementById('session-badge');
    badge.textContent = s.state;
    badge.className = 'badge badge-' + s.state;
    var p = s.profile || {};
    var rows = [
      ['State', s.state],
      ['Host', p.host], ['Database', p.database], ['User', p.username],
      ['Environment', s.environment ? s.environment.name || s.environment.id : ''],
      ['Error', s.error]
    ];
    document.getElementById('session').innerHTML = rows.map(function(r){
      return '<tr><th>' + esc(r[0]) + '</th><td>' + esc(r[1] || '-') + '</td></tr>';
    }).join('');
  }

  function renderJobs(jobs){
    var body = document.getElementById('jobs');
    if (!jobs.length) {
      body.innerHTML = '<tr><td colspan="7" class="muted">No jobs</td></tr>';
      return;
    }
    body.innerHTML = jobs.map(function(j){
      var pct = Math.max(0, Math.min(100, j.job.percent || 0));
      return '<tr><td>' + esc(j.job.job_id) + '</td><td>' + esc(j.kind) + '</td><td>' + esc(j.job.status) +
        '</td><td><div class="bar"><span style="width:' + pct + '%"></span></div></td><td>' + esc(j.channel) +
        '</td><td>' + esc(j.job.message) + '</td><td>' +
        (j.active ? '<button data-cancel="' + esc(j.job.job_id) + '">Cancel</button>' : '') + '</td></tr>';
    }).join('');
  }

  document.getElementById('jobs').addEventListener('click', function(e){
    var id = e.target.getAttribute('data-cancel');
    if (id) api('DELETE', '/api/jobs/' + encodeURIComponent(id)).then(refresh);
  });

  function refresh(){
    api('GET', '/api/session').then(renderSession).catch(function(){});
    api('GET', '/api/monitor').then(renderViews).catch(function(){});
    api('GET', '/api/jobs').then(renderJobs).catch(function(){});
  }

  refresh();
  setInterval(refresh, 2000);
})();
</script>
</body>
</html>
`
