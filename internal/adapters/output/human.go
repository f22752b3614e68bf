package output

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mikey-austin/glassroll/internal/core"
	"github.com/mikey-austin/glassroll/pkg/roll"
	"github.com/pterm/pterm"
)

// HumanPrinter prints tables and one-line summaries.
type HumanPrinter struct {
	Out io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	w := writerOr(p.Out)
	switch data := v.(type) {
	case core.NodesResult:
		return printNodes(w, data)
	case core.StatusResult:
		return printStatus(w, data)
	case core.PositionResult:
		return printPosition(w, data.Position)
	case core.DeleteResult:
		return printDelete(w, data)
	case core.ListResult:
		return printList(w, data)
	default:
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
}

func renderTable(w io.Writer, data pterm.TableData) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func printNodes(w io.Writer, result core.NodesResult) error {
	if len(result.Nodes) == 0 {
		_, err := fmt.Fprintln(w, "no nodes found")
		return err
	}
	data := pterm.TableData{{"NAME", "KIND", "NODE_ID"}}
	for _, node := range result.Nodes {
		data = append(data, []string{node.Name, node.Kind, node.NodeID})
	}
	return renderTable(w, data)
}

func printStatus(w io.Writer, result core.StatusResult) error {
	state := result.State
	line := fmt.Sprintf("%s  [%s]", result.Gallery.Name, state.Counter)
	if state.Loading {
		line += "  loading"
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	if err := printPosition(w, state.Position); err != nil {
		return err
	}
	if state.Progress != "" {
		if _, err := fmt.Fprintf(w, "playing %s\n", state.Progress); err != nil {
			return err
		}
	}
	if state.Position.Total == 1 {
		_, err := fmt.Fprintln(w, "only one item: next stays put")
		return err
	}
	return nil
}

func printPosition(w io.Writer, pos roll.Position) error {
	if pos.Empty() {
		_, err := fmt.Fprintln(w, "no media")
		return err
	}
	_, err := fmt.Fprintf(w, "%d/%d  %s  %s  %s\n", pos.Index, pos.Total, pos.DisplayName, pos.Kind, formatCaptured(pos.CapturedAt))
	if err != nil {
		return err
	}
	if pos.MediaURL != "" {
		_, err = fmt.Fprintln(w, pos.MediaURL)
	}
	return err
}

func printDelete(w io.Writer, result core.DeleteResult) error {
	if _, err := fmt.Fprintln(w, pterm.Success.Sprintf("deleted %s", result.Deleted)); err != nil {
		return err
	}
	return printPosition(w, result.Position)
}

func printList(w io.Writer, result core.ListResult) error {
	if len(result.List.Items) == 0 {
		_, err := fmt.Fprintf(w, "no media (%d total)\n", result.List.Total)
		return err
	}
	data := pterm.TableData{{"", "INDEX", "NAME", "KIND", "CAPTURED"}}
	for _, item := range result.List.Items {
		marker := ""
		if item.Current {
			marker = ">"
		}
		data = append(data, []string{
			marker,
			strconv.FormatInt(item.Index, 10),
			item.DisplayName,
			item.Kind,
			formatCaptured(item.CapturedAt),
		})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}
	last := result.List.Start + result.List.Count
	_, err := fmt.Fprintf(w, "%d-%d of %d\n", result.List.Start+1, last, result.List.Total)
	return err
}

func formatCaptured(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
