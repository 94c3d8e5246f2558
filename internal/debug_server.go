package internal

import (
	"chat-sync/observability"
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

//go:embed inspect.html
var templatesFS embed.FS

const defaultPrefix = "msg:"

type InspectRow struct {
	Key          string
	Kind         string
	Timestamp    string
	Conversation string
	EntityID     string
	Size         int
}

type PageData struct {
	Prefix string
	Items  []InspectRow
	Stats  map[string]any
}

// NewDebugHandler serves the metrics and, when db is set, an HTML view of the snapshot keys.
func NewDebugHandler(db *badger.DB, metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if db == nil {
		return mux
	}
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))
	mux.HandleFunc("/inspect", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = defaultPrefix
		}
		data := PageData{Prefix: prefix, Stats: make(map[string]any)}
		lsm, vlog := db.Size()
		data.Stats["lsm_bytes"] = lsm
		data.Stats["vlog_bytes"] = vlog

		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				item := it.Item()
				data.Items = append(data.Items, MapRow(string(item.Key()), int(item.ValueSize())))
			}
			return nil
		})
		data.Stats["rows"] = len(data.Items)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	})
	return mux
}

// StartDebugServer listens on addr in the background until ctx is done.
func StartDebugServer(ctx context.Context, log *slog.Logger, addr string, db *badger.DB,
	metrics *observability.Metrics) *http.Server {
	srv := &http.Server{Addr: addr, Handler: NewDebugHandler(db, metrics), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Debug server stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("Debug server available", "metrics", "http://"+addr+"/metrics", "inspect", "http://"+addr+"/inspect")
	return srv
}

// MapRow splits a snapshot key: "msg:{escaped conversation}:{unixnano}:{id}", "conv:{id}" or "win:{id}".
func MapRow(key string, size int) InspectRow {
	row := InspectRow{Key: key, Kind: "RAW", Timestamp: "--:--:--", Size: size}
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return row
	}
	switch parts[0] {
	case "conv":
		row.Kind = "CONVERSATION"
		row.Conversation = parts[1]
	case "win":
		row.Kind = "WINDOW"
		row.Conversation = parts[1]
	case "msg":
		row.Kind = "MESSAGE"
		rest := strings.SplitN(parts[1], ":", 3)
		if len(rest) < 3 {
			return row
		}
		row.EntityID = rest[2]
		row.Conversation = rest[0]
		if id, err := url.QueryUnescape(rest[0]); err == nil {
			row.Conversation = id
		}
		if ts, err := strconv.ParseInt(rest[1], 10, 64); err == nil {
			row.Timestamp = time.Unix(0, ts).UTC().Format("2006-01-02 15:04:05")
		}
	}
	return row
}
