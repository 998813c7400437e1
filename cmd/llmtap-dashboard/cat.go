package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ngoyal88/llmtap/pkg/record"
	"github.com/ngoyal88/llmtap/pkg/render"
	"github.com/ngoyal88/llmtap/pkg/tail"
	"github.com/spf13/cobra"
)

var (
	catPath  string
	catColor bool
)

var catCmd = &cobra.Command{
	Use:   "cat",
	Short: "Print every recorded call in the log once",
	RunE:  runCat,
}

func init() {
	catCmd.Flags().StringVar(&catPath, "path", "", "log file (default dashboard.log_path)")
	catCmd.Flags().BoolVar(&catColor, "color", os.Getenv("NO_COLOR") == "", "highlight output")
}

func runCat(cmd *cobra.Command, args []string) error {
	path := catPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Dashboard.LogPath
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no log at %s", path)
	}

	out := render.New(os.Stdout, catColor)
	var printErr error
	bad := 0
	w := tail.New(path, func(e record.Entry) {
		if err := out.Entry(e.Seq, e.Data); err != nil && printErr == nil {
			printErr = err
		}
	}, tail.Options{
		OnError: func(err error) {
			bad++
			log.Printf("[TAIL] %v", err)
		},
	})

	n, err := w.Scan()
	if err != nil {
		return err
	}
	if printErr != nil {
		return printErr
	}
	if bad > 0 {
		log.Printf("[TAIL] skipped %d malformed units", bad)
	}
	return out.Footer(n, w.KnownSize())
}
