// apitally-inspect prints the contents of request log batch files and the
// instance identities persisted in the lock directory.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/apitally/apitally-go/internal/instance"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		file     string
		asJSON   bool
		showInst bool
		clientID string
		env      string
		lockDir  string
	)

	flagSet := pflag.NewFlagSet("apitally-inspect", pflag.ContinueOnError)
	flagSet.StringVar(&file, "file", "", "gzip request log batch file to decode")
	flagSet.BoolVar(&asJSON, "json", false, "print log items as JSON lines")
	flagSet.BoolVar(&showInst, "instance", false, "list persisted instance identities")
	flagSet.StringVar(&clientID, "client-id", os.Getenv("APITALLY_CLIENT_ID"), "client id for --instance")
	flagSet.StringVar(&env, "env", envOr("APITALLY_ENV", "dev"), "environment for --instance")
	flagSet.StringVar(&lockDir, "lock-dir", instance.DefaultDir(), "instance lock directory")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	switch {
	case file != "":
		return inspectFile(out, file, asJSON)
	case showInst:
		if clientID == "" {
			return errors.New("--client-id is required with --instance")
		}
		return inspectInstances(out, lockDir, clientID, env)
	default:
		return errors.New("one of --file or --instance is required")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func inspectFile(out io.Writer, path string, asJSON bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	items, err := requestlog.ReadItems(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMETHOD\tSTATUS\tDURATION\tURL\tEXTRAS")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			time.UnixMilli(int64(item.Request.Timestamp*1000)).UTC().Format(time.RFC3339),
			item.Request.Method,
			item.Response.StatusCode,
			time.Duration(item.Response.ResponseTime*float64(time.Second)).Round(time.Millisecond),
			item.Request.URL,
			extras(item),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d items\n", len(items))
	return nil
}

func extras(item model.LogItem) string {
	s := ""
	if item.Exception != nil {
		s += "exception=" + item.Exception.Type + " "
	}
	if n := len(item.Logs); n > 0 {
		s += fmt.Sprintf("logs=%d ", n)
	}
	if n := len(item.Spans); n > 0 {
		s += fmt.Sprintf("spans=%d ", n)
	}
	return s
}

func inspectInstances(out io.Writer, dir, clientID, env string) error {
	slots, err := instance.ListSlots(dir, clientID, env)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Fprintf(out, "no instance lock files for %s/%s in %s\n", clientID, env, dir)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tUUID\tMODIFIED\tEXPIRED")
	for _, slot := range slots {
		id := "<invalid>"
		if slot.Valid {
			id = slot.UUID.String()
		}
		expired := time.Since(slot.ModTime) > instance.MaxAge
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", slot.Index, id, slot.ModTime.UTC().Format(time.RFC3339), expired)
	}
	return tw.Flush()
}
