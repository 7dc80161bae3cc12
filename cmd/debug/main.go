package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/store"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

func main() {
	DebugCLI()
}

// DebugCLI edits the schedule document and history database directly. Stop
// the service first; it does not notice edits made underneath it.
func DebugCLI() {
	var storePath, dbPath, command, id, zoneName string
	var limit int
	var olderThan time.Duration
	flag.StringVar(&storePath, "store", "data/schedules.json", "Path to the schedule document")
	flag.StringVar(&dbPath, "db", "data/history.db", "Path to the history database")
	flag.StringVar(&command, "cmd", "", "Command to run: list, delete, enable, disable, history, prune")
	flag.StringVar(&id, "id", "", "Schedule ID for delete, enable and disable")
	flag.StringVar(&zoneName, "tz", tz.DefaultLocation, "Governing timezone")
	flag.IntVar(&limit, "limit", 20, "Number of history events to show")
	flag.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Prune events older than this")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of relay-debug:")
		fmt.Println("  -store string\tPath to the schedule document (default 'data/schedules.json')")
		fmt.Println("  -db string\tPath to the history database (default 'data/history.db')")
		fmt.Println("  -cmd string\tCommand to run: list, delete, enable, disable, history, prune")
		fmt.Println("  -id string\tSchedule ID for delete, enable and disable")
		fmt.Println("  -tz string\tGoverning timezone (default 'Asia/Bangkok')")
		fmt.Println("  -limit int\tNumber of history events to show (default 20)")
		fmt.Println("  -older-than duration\tPrune events older than this (default 720h)")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	zone, err := tz.Load(zoneName)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "list", "delete", "enable", "disable":
		err = scheduleCommand(store.New(storePath, model.PolicyMulti, zone), command, id)
	case "history":
		err = printHistory(dbPath, limit, zone)
	case "prune":
		var n int64
		n, err = db.PruneEventsCLI(dbPath, olderThan)
		if err == nil {
			fmt.Printf("Pruned %d events\n", n)
		}
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func scheduleCommand(st *store.Store, command, id string) error {
	if err := st.Init(); err != nil {
		return err
	}
	if command != "list" && id == "" {
		return fmt.Errorf("schedule ID is required")
	}

	switch command {
	case "list":
		for _, e := range st.All() {
			fmt.Printf("%s  slave=%d relay=%d  %-6s %s -> %s days=%v enabled=%t active=%t\n",
				e.ID, e.SlaveID, e.RelayNumber, e.Recurrence, e.StartTime, e.EndTime, e.DaysOfWeek, e.Enabled, e.Active)
		}
		return nil
	case "delete":
		_, ok, err := st.Delete(id)
		if !ok && err == nil {
			return fmt.Errorf("no schedule with id %s", id)
		}
		return err
	default:
		enabled := command == "enable"
		_, err := st.Update(id, model.Patch{Enabled: &enabled})
		return err
	}
}

func printHistory(dbPath string, limit int, zone *tz.Zone) error {
	events, err := db.ListEventsCLI(dbPath, limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		state := "OFF"
		if ev.State {
			state = "ON"
		}
		fmt.Printf("%s  slave=%d relay=%d %-3s source=%s schedule=%s\n",
			zone.FormatInstant(ev.OccurredAt), ev.SlaveID, ev.Relay, state, ev.Source, ev.ScheduleID)
	}
	return nil
}
