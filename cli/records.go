package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"flashtransfer/codec"
	"flashtransfer/config"
	"flashtransfer/models"
	"flashtransfer/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent connections",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <code>",
	Short: "Show the saved chat transcript of a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscript,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show today's transfer totals reported to the relay",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(historyCmd, transcriptCmd, statsCmd)
	historyCmd.Flags().Bool("clear", false, "forget all remembered connections")
	historyCmd.Flags().String("remove", "", "forget the connection with this code")
	transcriptCmd.Flags().Bool("delete", false, "delete the transcript instead of printing it")
}

func openStore() (*storage.Store, error) {
	_, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	store, _, err := storage.Open(dataDir)
	return store, err
}

func runHistory(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if clearAll, _ := cmd.Flags().GetBool("clear"); clearAll {
		if err := store.ClearHistory(); err != nil {
			return err
		}
		fmt.Fprintln(out, "history cleared")
		return nil
	}
	if code, _ := cmd.Flags().GetString("remove"); code != "" {
		if err := store.RemoveConnection(codec.Normalize(code)); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", codec.Normalize(code))
		return nil
	}

	conns, err := store.ListConnections(time.Now(), storage.DefaultHistoryMaxAge)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		fmt.Fprintln(out, "no recent connections")
		return nil
	}
	return writeTable(out, []string{"CODE", "NAME", "LAST ACTIVE"}, historyRows(conns))
}

func historyRows(conns []models.StoredConnection) [][]string {
	rows := make([][]string, 0, len(conns))
	for _, conn := range conns {
		rows = append(rows, []string{
			conn.Code,
			conn.Name,
			time.UnixMilli(conn.LastActive).Local().Format(time.DateTime),
		})
	}
	return rows
}

func runTranscript(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	code := codec.Normalize(args[0])
	out := cmd.OutOrStdout()
	if del, _ := cmd.Flags().GetBool("delete"); del {
		if err := store.DeleteTranscript(code); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted transcript %s\n", code)
		return nil
	}

	messages, err := store.LoadTranscript(code)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no transcript for %s", code)
	}
	if err != nil {
		return err
	}
	writeTranscript(out, messages)
	return nil
}

func writeTranscript(out io.Writer, messages []models.ChatMessage) {
	for _, msg := range messages {
		ts := time.UnixMilli(msg.Timestamp).Local().Format(time.TimeOnly)
		switch msg.Kind {
		case models.MessageKindFile:
			name, size := "", int64(0)
			if msg.File != nil {
				name, size = msg.File.Name, msg.File.Size
			}
			fmt.Fprintf(out, "[%s] %-4s file %s (%d bytes) %s\n", ts, msg.Sender, name, size, msg.FileStatus)
		default:
			fmt.Fprintf(out, "[%s] %-4s %s\n", ts, msg.Sender, msg.Text)
		}
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	env, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.signaler.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "day: %s\nfiles: %d\nbytes: %d\n", stats.Day, stats.TotalFilesTransferred, stats.TotalBytesTransferred)
	if len(stats.FileTypes) > 0 {
		fmt.Fprintln(out)
		if err := writeTable(out, []string{"FILE TYPE", "COUNT"}, countRows(stats.FileTypes)); err != nil {
			return err
		}
	}
	if len(stats.TransferModes) > 0 {
		fmt.Fprintln(out)
		return writeTable(out, []string{"MODE", "COUNT"}, countRows(stats.TransferModes))
	}
	return nil
}

// countRows sorts counts descending, then by key.
func countRows(counts map[string]int64) [][]string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, fmt.Sprint(counts[key])})
	}
	return rows
}

// headerRow is the StyleFunc row index of the header line.
const headerRow = 0

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func tableStyle(row, _ int) lipgloss.Style {
	if row == headerRow {
		return headerStyle
	}
	return cellStyle
}

// writeTable renders a bordered table, or tab-aligned columns with --plain.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	if plain {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return w.Flush()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(tableStyle)
	_, err := fmt.Fprintln(out, t.Render())
	return err
}
