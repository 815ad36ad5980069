package internal

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// QueueStats is the slice of the orchestrator the debug server exposes.
type QueueStats interface {
	InspectQueue() (depth, capacity int)
}

// Minimal HTML inspector for the badger keyspace. Only started when the
// service runs at debug log level; never exposed in production setups.
const inspectPage = `<!DOCTYPE html>
<html><head><title>ingest-lab inspector</title>
<style>body{font-family:monospace}table{border-collapse:collapse}td,th{border:1px solid #999;padding:4px 8px}</style>
</head><body>
<h2>Keyspace prefix: {{.Prefix}}</h2>
<form method="get"><input name="prefix" value="{{.Prefix}}"/><button>scan</button></form>
<table><tr><th>Key</th><th>Namespace</th><th>Size</th><th>Value</th></tr>
{{range .Items}}<tr><td>{{.Key}}</td><td>{{.Namespace}}</td><td>{{.Size}}</td><td>{{.Preview}}</td></tr>{{end}}
</table></body></html>`

type InspectRow struct {
	Key       string
	Namespace string
	Size      int
	Preview   string
}

type inspectPageData struct {
	Prefix string
	Items  []InspectRow
}

// StartDebugServer serves a prefix-scan view over the upload keyspace
// (session:, chunk:, batch:, dedup:, rl:) and the batch queue fill level.
func StartDebugServer(db *badger.DB, queue QueueStats, port int, endpoint string) {
	mux := http.NewServeMux()
	tmpl := template.Must(template.New("inspect").Parse(inspectPage))

	if queue != nil {
		mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
			depth, capacity := queue.InspectQueue()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{"depth": depth, "capacity": capacity})
		})
	}

	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "session:"
		}

		data := inspectPageData{Prefix: prefix}
		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				item := it.Item()
				_ = item.Value(func(val []byte) error {
					data.Items = append(data.Items, toInspectRow(string(item.Key()), val))
					return nil
				})
			}
			return nil
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	})

	go func() {
		_ = http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), mux)
	}()
}

func toInspectRow(key string, val []byte) InspectRow {
	namespace := "default"
	if parts := strings.SplitN(key, ":", 2); len(parts) == 2 {
		namespace = parts[0]
	}
	preview := string(val)
	if len(preview) > 160 {
		preview = preview[:160] + "..."
	}
	return InspectRow{Key: key, Namespace: namespace, Size: len(val), Preview: preview}
}
