package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/asticode/go-astits"
	"github.com/spf13/cobra"

	"github.com/zsiec/tsdecrypt/internal/source"
)

// pidCensus counts what one PID carries
type pidCensus struct {
	PID           uint16
	Packets       int64
	Even          int64
	Odd           int64
	PayloadStarts int64
	Discontinuity int64
	lastCC        int
}

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>",
		Short: "Count packets per PID and how many of them are scrambled",
		Long: `Scan a recording and print, per PID, the packet count, the even and odd
scrambled packet counts, PES starts and continuity errors. Split recordings
(name, name.001, name.002, ...) are scanned as one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := source.OpenSegmented(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			pids, err := census(cmd.Context(), source.NewStreamReader(src))
			if err != nil {
				return err
			}
			return printCensus(cmd.OutOrStdout(), pids)
		},
	}
}

// census demuxes r and returns per-PID counters ordered by PID
func census(ctx context.Context, r io.Reader) ([]*pidCensus, error) {
	byPID := make(map[uint16]*pidCensus)
	dmx := astits.NewDemuxer(ctx, r)

	for {
		p, err := dmx.NextPacket()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("demux: %w", err)
		}

		h := p.Header
		c, ok := byPID[h.PID]
		if !ok {
			c = &pidCensus{PID: h.PID, lastCC: -1}
			byPID[h.PID] = c
		}
		c.Packets++
		switch h.TransportScramblingControl {
		case astits.ScramblingControlScrambledWithEvenKey:
			c.Even++
		case astits.ScramblingControlScrambledWithOddKey:
			c.Odd++
		}
		if h.PayloadUnitStartIndicator {
			c.PayloadStarts++
		}
		if h.HasPayload {
			cc := int(h.ContinuityCounter)
			if c.lastCC >= 0 && cc != (c.lastCC+1)&0x0F {
				c.Discontinuity++
			}
			c.lastCC = cc
		}
	}

	out := make([]*pidCensus, 0, len(byPID))
	for _, c := range byPID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func printCensus(w io.Writer, pids []*pidCensus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PID\tPACKETS\tEVEN\tODD\tPES STARTS\tCC ERRORS\t")
	for _, c := range pids {
		fmt.Fprintf(tw, "%#04x\t%d\t%d\t%d\t%d\t%d\t\n", c.PID, c.Packets, c.Even, c.Odd, c.PayloadStarts, c.Discontinuity)
	}
	return tw.Flush()
}
