// epochctl is the operator CLI for epoch lifecycle: initialize a fresh
// epoch, force a day boundary, inspect status and tally the mode vote.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"darkcragg.world/internal/persistence/gamedb"
	"darkcragg.world/internal/sim/daytick"
	"darkcragg.world/internal/sim/engine"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[epochctl] ", log.LstdFlags)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	tun, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	db, err := gamedb.Open(filepath.Join(*dataDir, "game.db"))
	if err != nil {
		logger.Fatalf("open gamedb: %v", err)
	}
	defer db.Close()

	eng := engine.New(db, tun, nil)
	runner := daytick.NewRunner(db, tun, eng.Pools(), eng.HoldLine(), eng.Raid(), eng.Overlay(), nil)
	now := time.Now().UTC()

	switch flag.Arg(0) {
	case "init":
		fs := flag.NewFlagSet("init", flag.ExitOnError)
		seed := fs.Int64("seed", now.UnixNano(), "epoch seed")
		mode := fs.String("mode", state.ModeEscape, "endgame mode")
		_ = fs.Parse(flag.Args()[1:])
		switch *mode {
		case state.ModeEscape, state.ModeRaid, state.ModeHoldLine:
		default:
			logger.Fatalf("unknown mode %q", *mode)
		}
		if _, err := db.Epoch(); err == nil {
			logger.Fatalf("epoch already initialized; point -data at a fresh directory")
		}
		if err := runner.InitEpoch(*seed, *mode, now); err != nil {
			logger.Fatalf("init epoch: %v", err)
		}
		fmt.Printf("epoch initialized: seed=%d mode=%s\n", *seed, *mode)

	case "status":
		snap, err := eng.Status(now)
		if err != nil {
			logger.Fatalf("status: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)

	case "advance":
		evs, err := runner.Advance(now)
		if err != nil {
			logger.Fatalf("advance: %v", err)
		}
		ep, err := db.Epoch()
		if err != nil {
			logger.Fatalf("reload epoch: %v", err)
		}
		fmt.Printf("day %d, %d events\n", ep.Day, len(evs))

	case "tally":
		votes, err := db.TallyVotes()
		if err != nil {
			logger.Fatalf("tally: %v", err)
		}
		winner, best := state.ModeEscape, -1
		for _, mode := range []string{state.ModeEscape, state.ModeRaid, state.ModeHoldLine} {
			n := votes[mode]
			fmt.Printf("%-20s %d\n", mode, n)
			if n > best {
				winner, best = mode, n
			}
		}
		fmt.Printf("next epoch mode: %s\n", winner)

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: epochctl [-data DIR] [-tuning FILE] <command>

commands:
  init [-seed N] [-mode M]   initialize a fresh epoch
  status                      print the world snapshot
  advance                     force one day boundary
  tally                       count the endgame vote`)
}
