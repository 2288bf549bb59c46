package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/emersion/go-ical"
	"github.com/urfave/cli/v2"

	"calseries/internal/ics"
	"calseries/internal/recurrence"
	"calseries/internal/series"
	"calseries/internal/storage"
	"calseries/internal/storage/sqlite"
)

const timeLayout = time.RFC3339

func main() {
	app := &cli.App{
		Name:    "calseries",
		Usage:   "Manage recurring event series and expand their occurrences",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   defaultDBPath(),
				Usage:   "Database file path",
				EnvVars: []string{"CALSERIES_DB"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a new series",
				ArgsUsage: "<start> <end> [rrule]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "summary", Aliases: []string{"s"}, Usage: "Event summary"},
				},
				Action: addSeries,
			},
			{
				Name:  "list",
				Usage: "List series rows",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "before",
						Aliases: []string{"b"},
						Usage:   "Only series starting at or before this time",
					},
				},
				Action: listSeries,
			},
			{
				Name:      "expand",
				Usage:     "List occurrences of all series in a time window",
				ArgsUsage: "<from> <to>",
				Action:    expandPeriod,
			},
			{
				Name:      "check",
				Usage:     "Check whether a date is an occurrence of a series",
				ArgsUsage: "<id> <date>",
				Action:    checkOccurrence,
			},
			{
				Name:      "exclude",
				Usage:     "Exclude one occurrence from a series",
				ArgsUsage: "<id> <date>",
				Action:    excludeOccurrence,
			},
			{
				Name:      "split",
				Usage:     "Split a series into two at an occurrence",
				ArgsUsage: "<id> <date>",
				Action:    splitSeries,
			},
			{
				Name:      "detach",
				Usage:     "Extract one occurrence into an independent event",
				ArgsUsage: "<id> <date>",
				Action:    detachOccurrence,
			},
			{
				Name:      "delete",
				Usage:     "Delete one occurrence (or a non-recurring series)",
				ArgsUsage: "<id> <date>",
				Action:    deleteOccurrence,
			},
			{
				Name:      "delete-from",
				Usage:     "Delete an occurrence and everything after it",
				ArgsUsage: "<id> <date>",
				Action:    deleteFrom,
			},
			{
				Name:      "export",
				Usage:     "Write a series as iCalendar to stdout",
				ArgsUsage: "<id>",
				Action:    exportSeries,
			},
			{
				Name:      "import",
				Usage:     "Import the first VEVENT of an iCalendar file",
				ArgsUsage: "<file>",
				Action:    importSeries,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultDBPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.calseries.db"
	}
	return "calseries.db"
}

// openController wires the store, cache and logger from global flags.
func openController(c *cli.Context) (*series.Controller, *sqlite.Store, error) {
	store, err := sqlite.New(c.String("db"))
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctrl := series.NewController(store,
		series.WithLogger(logger),
		series.WithCache(series.NewExpansionCache(series.DefaultCacheConfig)),
	)
	return ctrl, store, nil
}

func parseArgTime(c *cli.Context, index int, name string) (time.Time, error) {
	raw := c.Args().Get(index)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing <%s> argument", name)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		// Also accept the iCalendar basic format used in rule strings.
		t, err = time.Parse(recurrence.TimestampLayout, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse <%s>: %w", name, err)
		}
	}
	return t.UTC(), nil
}

func parseArgID(c *cli.Context, index int) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(c.Args().Get(index), "%d", &id); err != nil {
		return 0, fmt.Errorf("parse <id>: %w", err)
	}
	return id, nil
}

func addSeries(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	start, err := parseArgTime(c, 0, "start")
	if err != nil {
		return err
	}
	end, err := parseArgTime(c, 1, "end")
	if err != nil {
		return err
	}
	rule := c.Args().Get(2)

	id, err := ctrl.Create(c.Context, start, end, rule, c.String("summary"))
	if err != nil {
		return err
	}
	fmt.Printf("Added series %d\n", id)
	return nil
}

func listSeries(c *cli.Context) error {
	_, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	before := time.Now().UTC().AddDate(100, 0, 0)
	if raw := c.String("before"); raw != "" {
		before, err = time.Parse(timeLayout, raw)
		if err != nil {
			return fmt.Errorf("parse --before: %w", err)
		}
	}

	rows, err := store.ListSeriesStartingBefore(c.Context, before)
	if err != nil {
		return err
	}
	printSeriesRows(os.Stdout, rows)
	return nil
}

// printSeriesRows writes one line per series: id, start, rule and summary.
func printSeriesRows(w io.Writer, rows []*storage.Series) {
	for _, rec := range rows {
		rule := rec.RRule
		if rule == "" {
			rule = "(single)"
		}
		fmt.Fprintf(w, "%4d  %s  %s  %s\n",
			rec.ID, rec.Start.Format(timeLayout), rule, rec.Summary)
	}
}

func expandPeriod(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	from, err := parseArgTime(c, 0, "from")
	if err != nil {
		return err
	}
	to, err := parseArgTime(c, 1, "to")
	if err != nil {
		return err
	}

	occurrences, err := ctrl.ExpandForPeriod(c.Context, from, to)
	if err != nil {
		return err
	}
	for _, occ := range occurrences {
		marker := " "
		if occ.IsFirst {
			marker = "*"
		}
		fmt.Printf("%s %4d  %s - %s  %s\n", marker, occ.SeriesID,
			occ.Start.Format(timeLayout), occ.End.Format(timeLayout), occ.Summary)
	}
	return nil
}

func checkOccurrence(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	occ, err := ctrl.FindOccurrence(c.Context, id, date)
	if err != nil {
		return err
	}
	fmt.Printf("Occurrence of series %d: %s - %s\n", occ.SeriesID,
		occ.Start.Format(timeLayout), occ.End.Format(timeLayout))
	return nil
}

func excludeOccurrence(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	if err := ctrl.ExcludeOccurrence(c.Context, id, date); err != nil {
		return err
	}
	fmt.Printf("Excluded %s from series %d\n", date.Format(timeLayout), id)
	return nil
}

func splitSeries(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	newID, err := ctrl.SplitAt(c.Context, id, date)
	if err != nil {
		return err
	}
	fmt.Printf("Split series %d; occurrences from %s continue as series %d\n",
		id, date.Format(timeLayout), newID)
	return nil
}

func detachOccurrence(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	newID, err := ctrl.DetachOccurrence(c.Context, id, date)
	if err != nil {
		return err
	}
	fmt.Printf("Detached %s into series %d\n", date.Format(timeLayout), newID)
	return nil
}

func deleteOccurrence(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	if err := ctrl.DeleteOccurrence(c.Context, id, date); err != nil {
		return err
	}
	fmt.Printf("Deleted occurrence %s of series %d\n", date.Format(timeLayout), id)
	return nil
}

func deleteFrom(c *cli.Context) error {
	ctrl, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}
	date, err := parseArgTime(c, 1, "date")
	if err != nil {
		return err
	}

	if err := ctrl.DeleteFrom(c.Context, id, date); err != nil {
		return err
	}
	fmt.Printf("Deleted occurrences of series %d from %s on\n", id, date.Format(timeLayout))
	return nil
}

func exportSeries(c *cli.Context) error {
	_, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := parseArgID(c, 0)
	if err != nil {
		return err
	}

	rec, err := store.GetSeries(c.Context, id)
	if err != nil {
		return err
	}
	excluded, err := store.ListExcludedDates(c.Context, id)
	if err != nil {
		return err
	}

	cal := ics.ExportSeries(rec, excluded)
	return ical.NewEncoder(os.Stdout).Encode(cal)
}

func importSeries(c *cli.Context) error {
	_, store, err := openController(c)
	if err != nil {
		return err
	}
	defer store.Close()

	path := c.Args().Get(0)
	if path == "" {
		return fmt.Errorf("missing <file> argument")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cal, err := ical.NewDecoder(f).Decode()
	if err != nil {
		return fmt.Errorf("decode calendar: %w", err)
	}

	rec, excluded, err := ics.ImportEvent(cal)
	if err != nil {
		return err
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}

	err = store.InTransaction(c.Context, func(st storage.Store) error {
		id, err := st.CreateSeries(c.Context, rec)
		if err != nil {
			return err
		}
		for _, d := range excluded {
			if err := st.InsertExcludedDate(c.Context, id, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Imported series %d (%s)\n", rec.ID, rec.UID)
	return nil
}
