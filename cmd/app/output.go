package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func formatMaybeUint(v *uint) string {
	if v == nil {
		return "-"
	}
	return uintToString(*v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printStructures(items []domain.Structure) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{uintToString(item.ID), item.Key, item.Name, formatTime(item.CreatedAt)})
	}
	printTable([]string{"ID", "KEY", "NAME", "CREATED_AT"}, rows)
}

func printItems(items []domain.LineItem) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			uintToString(item.ID),
			strconv.Itoa(item.Rank),
			item.Key,
			formatMaybeUint(item.ParentID),
			item.Description,
			strconv.FormatBool(item.IsLeaf),
			strconv.FormatBool(item.Display),
		})
	}
	printTable([]string{"ID", "RANK", "KEY", "PARENT", "DESCRIPTION", "LEAF", "DISPLAY"}, rows)
}

// printTree prints one line per item, indented by depth.
func printTree(tree application.TreeView) {
	if tree.Count == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM\tID\tRANK\tFLAGS")
	tree.Walk(func(n application.TreeNode) {
		label := strings.Repeat("  ", n.Depth) + n.Key + " " + n.Description
		flags := n.Flags
		if flags == "" {
			flags = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", label, n.ID, n.Rank, flags)
	})
	_ = w.Flush()
	printAnomalies(tree.Anomalies)
}

func printAnomalies(items []application.AnomalyView) {
	for _, a := range items {
		fmt.Printf("warning: %s (%d) is %s, parent %s\n", a.Key, a.ItemID, a.Flag, formatMaybeUint(a.ParentID))
	}
}

func printHistory(items []domain.ChangeLogEntry) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		undone := "-"
		if item.IsUndone && item.UndoneAt != nil {
			undone = formatTime(*item.UndoneAt)
		}
		rows = append(rows, []string{
			uintToString(item.ID),
			string(item.ActionKind),
			item.AffectedKey,
			item.Description,
			formatTime(item.CreatedAt),
			undone,
		})
	}
	printTable([]string{"ID", "ACTION", "KEY", "DESCRIPTION", "AT", "UNDONE_AT"}, rows)
}

func printResult(res application.Result) {
	rows := [][2]string{
		{"item", res.Item.Key},
		{"id", uintToString(res.Item.ID)},
		{"rank", strconv.Itoa(res.Item.Rank)},
		{"parent", formatMaybeUint(res.Item.ParentID)},
		{"affected", strconv.FormatInt(res.Affected, 10)},
	}
	if res.Entry.ID != 0 {
		rows = append(rows, [2]string{"entry", uintToString(res.Entry.ID)}, [2]string{"action", string(res.Entry.ActionKind)})
	} else {
		rows = append(rows, [2]string{"entry", "none (no change)"})
	}
	printKV(rows)
}

func printStatus(st application.Status) {
	op := string(st.Op)
	if op == "" {
		op = "-"
	}
	lastErr := st.LastError
	if lastErr == "" {
		lastErr = "-"
	} else if st.LastErrorKind != "" {
		lastErr = string(st.LastErrorKind) + ": " + lastErr
	}
	loadedAt := "-"
	if st.LoadedAt != nil {
		loadedAt = formatTime(*st.LoadedAt)
	}
	printKV([][2]string{
		{"structure", uintToString(st.StructureID)},
		{"busy", strconv.FormatBool(st.Busy)},
		{"op", op},
		{"items", strconv.Itoa(st.Items)},
		{"anomalies", strconv.Itoa(len(st.Anomalies))},
		{"last_error", lastErr},
		{"loaded_at", loadedAt},
	})
	printAnomalies(st.Anomalies)
}
