package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// kvPrinter prints an aligned key/value detail view, in the order the
// pairs are given, matching the server CLI's plain table output.
type kvPrinter struct{ w io.Writer }

func newKVPrinter() *kvPrinter { return &kvPrinter{w: os.Stdout} }

func (p *kvPrinter) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, pair := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
	_ = tw.Flush()
}
