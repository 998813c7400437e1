package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngoyal88/llmtap/pkg/hub"
	"github.com/ngoyal88/llmtap/pkg/render"
	"github.com/ngoyal88/llmtap/pkg/viewer"
	"github.com/spf13/cobra"
)

var (
	tailURL   string
	tailLines int
	tailColor bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print recorded calls as they arrive",
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailURL, "url", "ws://localhost:8000/ws", "dashboard live-update URL")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "how many existing calls to print first (-1 for all)")
	tailCmd.Flags().BoolVar(&tailColor, "color", os.Getenv("NO_COLOR") == "", "highlight output")
}

// tailPrinter prints each seq once, across reconnects.
type tailPrinter struct {
	out      *render.Printer
	lines    int
	printed  uint64
	connects int
}

func (p *tailPrinter) handle(msg viewer.Message) {
	switch msg.Type {
	case hub.KindInitial:
		p.connects++
		start := 0
		if p.connects == 1 && p.lines >= 0 && len(msg.Entries) > p.lines {
			start = len(msg.Entries) - p.lines
		}
		for i := start; i < len(msg.Entries); i++ {
			p.print(msg.FirstSeq+uint64(i), msg.Entries[i])
		}
	case hub.KindUpdate:
		p.print(msg.Seq, msg.Entry)
	}
}

func (p *tailPrinter) print(seq uint64, data []byte) {
	if seq <= p.printed {
		return
	}
	if err := p.out.Entry(seq, data); err != nil {
		log.Printf("[VIEWER] %v", err)
	}
	p.printed = seq
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &tailPrinter{out: render.New(os.Stdout, tailColor), lines: tailLines}
	client := &viewer.Client{
		URL:       tailURL,
		Backoff:   viewer.DefaultBackoff(),
		OnMessage: p.handle,
		OnState: func(s viewer.ClientState) {
			log.Printf("[VIEWER] %s", s)
		},
	}

	err := client.Run(ctx)
	if errors.Is(err, viewer.ErrConnectionFailed) {
		return fmt.Errorf("%w; run tail again to reconnect", err)
	}
	return err
}
