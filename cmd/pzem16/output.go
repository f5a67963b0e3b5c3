package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/arloliu/go-pzem/pzem"
)

type outputFormat int

const (
	formatPlain outputFormat = iota
	formatCompact
	formatTagged
)

func (f outputFormat) String() string {
	switch f {
	case formatPlain:
		return "plain"
	case formatCompact:
		return "compact"
	case formatTagged:
		return "tagged"
	default:
		return "unknown"
	}
}

func parseOutputFormat(s string) (outputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return formatPlain, nil
	case "compact":
		return formatCompact, nil
	case "tagged":
		return formatTagged, nil
	default:
		return formatPlain, fmt.Errorf("%w: unknown output format %q", errUsage, s)
	}
}

// plainLabel is the long label printed by the plain format.
func plainLabel(q pzem.Quantity) string {
	switch q.Tag {
	case pzem.PowerFactor.Tag:
		return "Power Factor"
	case pzem.Energy.Tag:
		return "Total Active Energy"
	default:
		return q.Name
	}
}

// tagUnit is the unit printed inside a tagged value.
func tagUnit(q pzem.Quantity) string {
	if q.Unit == "" {
		return "F"
	}

	return q.Unit
}

func isCounter(q pzem.Quantity) bool { return q.Tag == pzem.Energy.Tag }

func formatValue(q pzem.Quantity, v float64) string {
	if isCounter(q) {
		return fmt.Sprintf("%d", int64(v))
	}

	return fmt.Sprintf("%3.2f", v)
}

// writeReadings prints readings in the requested format. address prefixes
// every tagged line.
func writeReadings(w io.Writer, f outputFormat, address int, readings []pzem.Reading) error {
	var b strings.Builder
	for _, r := range readings {
		v := formatValue(r.Quantity, r.Value)
		switch f {
		case formatCompact:
			b.WriteString(v)
			b.WriteByte(' ')
		case formatTagged:
			fmt.Fprintf(&b, "%d_%s(%s*%s)\n", address, r.Quantity.Tag, v, tagUnit(r.Quantity))
		default:
			if r.Quantity.Unit == "" {
				fmt.Fprintf(&b, "%s: %s \n", plainLabel(r.Quantity), v)
			} else {
				fmt.Fprintf(&b, "%s: %s %s \n", plainLabel(r.Quantity), v, r.Quantity.Unit)
			}
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// writeStatus prints the trailing OK or NOK line. The tagged format has none.
// In compact mode it ends the line of values.
func writeStatus(w io.Writer, f outputFormat, err error) {
	if f == formatTagged {
		return
	}
	if err != nil {
		fmt.Fprint(w, "NOK\n")
		return
	}
	fmt.Fprint(w, "OK\n")
}
