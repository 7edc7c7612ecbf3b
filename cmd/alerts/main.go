package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"homewatch/alerting"
	"homewatch/config"
	"homewatch/models"
	"homewatch/store"

	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: alerts <command> [flags]

Commands:
  list [-status s] [-room r] [-severity s] [-limit n] [-json]
  show <alert_id>
  ack <alert_id> [-actor name]
  resolve <alert_id> [-actor name]
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := store.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		log.Fatalf("Error opening alert store: %v", err)
	}
	defer s.Close(context.Background())

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "list":
		err = list(ctx, s, args)
	case "show":
		err = show(ctx, s, args)
	case "ack", "resolve":
		err = transition(ctx, s, cmd, args)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func list(ctx context.Context, s store.AlertStore, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (active, acknowledged, resolved)")
	room := fs.String("room", "", "Filter by room")
	severity := fs.String("severity", "", "Filter by severity")
	limit := fs.Int("limit", store.DefaultListLimit, "Maximum number of alerts")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	_ = fs.Parse(args)

	alerts, err := s.List(ctx, models.AlertFilter{
		Status:   models.AlertStatus(*status),
		Room:     *room,
		Severity: models.Severity(*severity),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(alerts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALERT ID\tROOM\tTYPE\tSEVERITY\tSTATUS\tCREATED\tMESSAGE")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.AlertID, a.Room, a.SensorType, a.Severity, a.Status,
			a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("Total alerts: %d\n", len(alerts))
	return nil
}

func show(ctx context.Context, s store.AlertStore, args []string) error {
	if len(args) != 1 {
		usage()
	}
	a, err := s.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(a)
}

func transition(ctx context.Context, s store.AlertStore, cmd string, args []string) error {
	if len(args) < 1 {
		usage()
	}
	id := args[0]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	actor := fs.String("actor", os.Getenv("USER"), "Who is performing the action")
	_ = fs.Parse(args[1:])
	if *actor == "" {
		*actor = "cli"
	}

	lifecycle := alerting.NewLifecycle(s, nil, nil, nil)
	var (
		a   *models.Alert
		err error
	)
	if cmd == "ack" {
		a, err = lifecycle.Acknowledge(ctx, id, *actor)
	} else {
		a, err = lifecycle.Resolve(ctx, id, *actor)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Alert %s is %s\n", a.AlertID, a.Status)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
