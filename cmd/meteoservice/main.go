// Command meteoservice is the CLI front end for the caching
// meteorological timeseries service: it wires the cache store, the
// provider registry and the query workflow together and dispatches a
// handful of subcommands against them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/sitscholl/MeteoService/internal/profile"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/provider/openmeteo"
	"github.com/sitscholl/MeteoService/internal/provider/province"
	"github.com/sitscholl/MeteoService/internal/query"
	"github.com/sitscholl/MeteoService/internal/store"
	"github.com/sitscholl/MeteoService/internal/workflow"
)

// monitor tracks query and gap-fetch timing across every query manager
// built by buildRegistry, for the lifetime of one CLI invocation.
var monitor = profile.NewPerformanceMonitor()

var log = logrus.New()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if lvl := os.Getenv("METEOSERVICE_LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			log.SetLevel(parsed)
		}
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "version":
		fmt.Println("meteoservice dev")
		return
	case "providers":
		err = cmdProviders(args)
	case "query":
		err = cmdQuery(args)
	case "stations":
		err = cmdStations(args)
	case "stats":
		err = cmdStats(args)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meteoservice - cached meteorological timeseries CLI

Usage:
  meteoservice <command> [flags]

Commands:
  version     print the build version
  providers   list the registered providers and those seen in the cache
  stations    list stations known to a provider
  query       run a timeseries query against a provider
  stats       print runtime and query-manager performance stats

Environment:
  METEOSERVICE_DB_PATH   path to the sqlite cache (default ./meteoservice.sqlite3)
  METEOSERVICE_LOG_LEVEL logrus level (default info)
`)
}

func dataDir() string {
	if d := os.Getenv("METEOSERVICE_DB_PATH"); d != "" {
		return d
	}
	return "./meteoservice.sqlite3"
}

// buildRegistry constructs the fixed provider registry and the
// per-provider query managers the workflow dispatches against. There
// is no dynamic registration: every adapter the service can talk to
// is wired here at startup.
func buildRegistry(s *store.Store) (*provider.Registry, map[string]*query.Manager, error) {
	prov, err := province.New(province.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("build province adapter: %w", err)
	}
	fx, err := openmeteo.New(openmeteo.Config{Models: []string{"best_match"}})
	if err != nil {
		return nil, nil, fmt.Errorf("build openmeteo adapter: %w", err)
	}

	provManager := query.NewManager(s, prov)
	fxManager := query.NewManager(s, fx)
	provManager.Monitor = monitor
	fxManager.Monitor = monitor

	registry := provider.NewRegistry(prov, fx)
	managers := map[string]*query.Manager{
		prov.Name(): provManager,
		fx.Name():   fxManager,
	}
	return registry, managers, nil
}

func cmdProviders(args []string) error {
	s, err := store.Open(dataDir())
	if err != nil {
		return err
	}
	defer s.Close()

	registry, _, err := buildRegistry(s)
	if err != nil {
		return err
	}
	fmt.Println("registered:")
	for _, name := range registry.Names() {
		fmt.Printf("  %s\n", name)
	}

	cached, err := s.ListProviders()
	if err != nil {
		return err
	}
	fmt.Println("cached:")
	for _, name := range cached {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

// cmdStats prints current runtime statistics plus whatever query and
// gap-fetch timings this process has accumulated so far. Since each
// CLI invocation is its own process, the query-manager figures are
// only non-empty when stats runs after a query in the same process
// (e.g. embedded use); run standalone it still reports runtime stats.
func cmdStats(args []string) error {
	profile.PrintRuntimeStats(os.Stdout)
	monitor.PrintReport(os.Stdout)
	return nil
}

func cmdStations(args []string) error {
	fs := flag.NewFlagSet("stations", flag.ContinueOnError)
	providerName := fs.String("provider", "", "provider name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *providerName == "" {
		return fmt.Errorf("stations: -provider is required")
	}

	s, err := store.Open(dataDir())
	if err != nil {
		return err
	}
	defer s.Close()

	registry, _, err := buildRegistry(s)
	if err != nil {
		return err
	}
	adapter, err := registry.Get(*providerName)
	if err != nil {
		return err
	}

	if err := adapter.Open(context.Background()); err != nil {
		return err
	}
	defer adapter.Close()

	stations, err := adapter.ListStations(context.Background())
	if err != nil {
		return err
	}
	for _, st := range stations {
		fmt.Printf("%s\t%s\t%.4f,%.4f\n", st.ExternalID, st.Name, st.Latitude, st.Longitude)
	}
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	providerName := fs.String("provider", "", "provider name")
	station := fs.String("station", "", "station external id")
	model := fs.String("model", "", "model name (forecast providers only)")
	startFlag := fs.String("start", "", "RFC3339 start time (default: provider window)")
	endFlag := fs.String("end", "", "RFC3339 end time (default: now)")
	aggFlag := fs.String("agg", "", "resample bucket, e.g. 24h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *providerName == "" || *station == "" {
		return fmt.Errorf("query: -provider and -station are required")
	}

	s, err := store.Open(dataDir())
	if err != nil {
		return err
	}
	defer s.Close()

	registry, managers, err := buildRegistry(s)
	if err != nil {
		return err
	}
	wf := workflow.New(registry, managers, "UTC")

	q := workflow.Query{Provider: *providerName, Station: *station, Model: *model}
	if *startFlag != "" {
		t, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			return fmt.Errorf("query: parse -start: %w", err)
		}
		q.Start = &t
	}
	if *endFlag != "" {
		t, err := time.Parse(time.RFC3339, *endFlag)
		if err != nil {
			return fmt.Errorf("query: parse -end: %w", err)
		}
		q.End = &t
	}
	if *aggFlag != "" {
		d, err := time.ParseDuration(*aggFlag)
		if err != nil {
			return fmt.Errorf("query: parse -agg: %w", err)
		}
		q.Agg = d
	}

	queryStart := time.Now()
	resp, pending, err := wf.RunTimeseriesQuery(context.Background(), q)
	if err != nil {
		return err
	}

	fmt.Printf("provider=%s station=%s window=[%s, %s] rows=%s fetched=%s in %s\n",
		resp.Metadata.Provider, resp.Metadata.Station.ExternalID, resp.Metadata.Start, resp.Metadata.End,
		humanize.Comma(int64(len(resp.Frame.Rows))), humanize.Comma(int64(len(pending.Rows))),
		time.Since(queryStart))
	fmt.Println(strings.Join(append([]string{"datetime", "model"}, resp.Frame.Columns...), "\t"))
	for _, row := range resp.Frame.Rows {
		cells := []string{row.Datetime.Format(time.RFC3339), row.Model}
		for _, col := range resp.Frame.Columns {
			if v := row.Get(col); v != nil {
				cells = append(cells, fmt.Sprintf("%.2f", *v))
			} else {
				cells = append(cells, "")
			}
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	if log.Level >= logrus.DebugLevel {
		monitor.PrintReport(os.Stdout)
	}
	return nil
}
