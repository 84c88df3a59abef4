// arbiter is the coordination daemon: it validates action envelopes
// from stdin (one JSON object per line, as normalized by the command
// dispatch collaborator), runs them through the engine, journals every
// event and serves the spectator feed.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"darkcragg.world/internal/persistence/gamedb"
	"darkcragg.world/internal/persistence/journal"
	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/broadcast"
	"darkcragg.world/internal/sim/daytick"
	"darkcragg.world/internal/sim/engine"
	"darkcragg.world/internal/sim/tuning"
	"darkcragg.world/internal/transport/feed"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address for the spectator feed")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		schemaPath = flag.String("schema", "./schemas/action.schema.json", "action envelope schema")
		population = flag.Int("population", 20, "active player count for raid sizing")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[arbiter] ", log.LstdFlags|log.Lmicroseconds)

	tun, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	schema, err := jsonschema.Compile(*schemaPath)
	if err != nil {
		logger.Fatalf("compile schema: %v", err)
	}

	db, err := gamedb.Open(filepath.Join(*dataDir, "game.db"))
	if err != nil {
		logger.Fatalf("open gamedb: %v", err)
	}
	defer db.Close()

	if _, err := db.Epoch(); err != nil {
		logger.Fatalf("no epoch found; run `epochctl init` first: %v", err)
	}

	jw := journal.NewEventJournal(*dataDir)
	defer jw.Close()

	hub := feed.NewHub(logger, 6)
	gov := broadcast.NewGovernor(tun.Governor)
	emitter := broadcast.NewEmitter(gov, jw, hub)

	eng := engine.New(db, tun, emitter)
	runner := daytick.NewRunner(db, tun, eng.Pools(), eng.HoldLine(), eng.Raid(), eng.Overlay(),
		func() int { return *population })

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/feed", hub.Handler())
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := eng.Status(time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Printf("feed listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Day boundaries and status pushes ride one ticker.
	go func() {
		lastDate := time.Now().UTC().Format("2006-01-02")
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		for range tick.C {
			now := time.Now().UTC()
			if date := now.Format("2006-01-02"); date != lastDate {
				lastDate = date
				evs, err := runner.Advance(now)
				if err != nil {
					logger.Printf("day boundary: %v", err)
					continue
				}
				if _, err := emitter.Emit(now, evs); err != nil {
					logger.Printf("emit boundary events: %v", err)
				}
				logger.Printf("day advanced, %d events", len(evs))
			}
			if snap, err := eng.Status(now); err == nil {
				_ = hub.PushStatus(snap)
			}
		}
	}()

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			res := process(eng, schema, line)
			b, _ := json.Marshal(res)
			os.Stdout.Write(append(b, '\n'))
		}
		if err := sc.Err(); err != nil {
			logger.Printf("stdin: %v", err)
		}
		stop <- syscall.SIGTERM
	}()

	<-stop
	logger.Printf("shutting down")
	_ = srv.Close()
}

// process validates one envelope against the schema before the engine
// sees it. Schema failures are E_BAD_REQUEST, never a crash.
func process(eng *engine.Engine, schema *jsonschema.Schema, line string) protocol.Result {
	var generic any
	if err := json.Unmarshal([]byte(line), &generic); err != nil {
		return protocol.Result{OK: false, Code: protocol.ErrBadRequest, Message: "malformed json"}
	}
	if err := schema.Validate(generic); err != nil {
		return protocol.Result{OK: false, Code: protocol.ErrBadRequest, Message: err.Error()}
	}
	var act protocol.ActionEvent
	if err := json.Unmarshal([]byte(line), &act); err != nil {
		return protocol.Result{OK: false, Code: protocol.ErrBadRequest, Message: "malformed envelope"}
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now().UTC()
	}
	res := eng.Process(act)
	if !protocol.IsKnownCode(res.Code) {
		res.Code = protocol.ErrInternal
	}
	return res
}
