package hotreload

import (
	"html"
	"net/http"
)

// Endpoint paths served by Middleware.
const (
	EventsPath    = "/__hot"
	WebSocketPath = "/__hot/ws"
	ClientPath    = "/__hot/client.js"
)

// ClientTag returns the script tag that loads the browser client into a
// page built from hash. The client reloads as soon as it hears of any other
// hash, including one replayed on connect.
func ClientTag(hash string) string {
	return `<script src="` + ClientPath + `" data-hash="` + html.EscapeString(hash) + `"></script>`
}

// clientScript listens for compile events and reloads the page after a
// successful rebuild. Falls back to WebSocket when EventSource is missing.
const clientScript = `(() => {
  const tag = "[hot]";
  const self = document.currentScript;
  let hash = (self && self.dataset.hash) || null;
  const handle = (msg) => {
    switch (msg.action) {
      case "building":
        console.log(tag + " rebuilding...");
        break;
      case "sync":
      case "built":
        if (msg.errors && msg.errors.length) {
          msg.errors.forEach((e) => console.error(tag + " " + e));
          return;
        }
        if (msg.warnings && msg.warnings.length) {
          msg.warnings.forEach((w) => console.warn(tag + " " + w));
        }
        if (hash !== null && msg.hash !== hash) {
          location.reload();
          return;
        }
        hash = msg.hash;
        break;
    }
  };
  if (window.EventSource) {
    const es = new EventSource("` + EventsPath + `");
    ["building", "built", "sync"].forEach((type) =>
      es.addEventListener(type, (e) => handle(JSON.parse(e.data))));
    return;
  }
  const proto = location.protocol === "https:" ? "wss://" : "ws://";
  const sock = new WebSocket(proto + location.host + "` + WebSocketPath + `");
  sock.onmessage = (e) => handle(JSON.parse(e.data));
})();
`

// Middleware serves the hot reload endpoints and passes everything else to next.
func (b *Broker) Middleware(next http.Handler) http.Handler {
	wsHandler := b.WebSocketHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case EventsPath:
			b.ServeHTTP(w, r)
		case WebSocketPath:
			wsHandler.ServeHTTP(w, r)
		case ClientPath:
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write([]byte(clientScript))
		default:
			next.ServeHTTP(w, r)
		}
	})
}
