// Command inspect prints the content of a local snapshot as tables.
package main

import (
	"chat-sync/domain"
	"chat-sync/repositories"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	SnapshotFilepath string `envconfig:"SNAPSHOT_FILEPATH" required:"true"`
	// INSPECT_CONVERSATION restricts the message table to one conversation
	Conversation string `envconfig:"INSPECT_CONVERSATION"`
	// INSPECT_CONTENT_WIDTH truncates message content in the table
	ContentWidth int `envconfig:"INSPECT_CONTENT_WIDTH" default:"60"`
}

func main() {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		log.Fatal("Config error: ", err)
	}

	// BypassLockGuard allows reading while a client holds the lock
	db, err := badger.Open(badger.DefaultOptions(config.SnapshotFilepath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	repository := repositories.NewSnapshotRepository(db, logs.GetLoggerFromLevel(slog.LevelWarn), 0)
	if err := inspect(os.Stdout, repository, config); err != nil {
		log.Fatal(err)
	}
}

func inspect(w io.Writer, repository repositories.ISnapshotRepository, config Config) error {
	conversations, err := repository.LoadConversations()
	if err != nil {
		return err
	}
	table := newTable(w, []string{"ID", "Name", "Group", "Participants", "Unread", "Updated"})
	for _, c := range conversations {
		table.Append([]string{
			c.ID,
			c.Name,
			strconv.FormatBool(c.IsGroup),
			strconv.Itoa(len(c.Participants)),
			strconv.Itoa(c.UnreadCount),
			c.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	fmt.Fprintln(w)

	ids, err := repository.ConversationIDs()
	if err != nil {
		return err
	}
	if config.Conversation != "" {
		ids = []string{config.Conversation}
	}
	table = newTable(w, []string{"Conversation", "Message", "Sender", "Time", "Flags", "Content"})
	for _, id := range ids {
		messages, err := repository.LoadMessages(id)
		if err != nil {
			return err
		}
		for _, m := range messages {
			table.Append([]string{id, m.ID, m.SenderID, m.CreatedAt.Format("15:04:05"), flags(m), truncate(m.Content, config.ContentWidth)})
		}
	}
	table.Render()
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func flags(m domain.Message) string {
	var out []string
	if m.Delivered {
		out = append(out, "D")
	}
	if m.Read {
		out = append(out, "R")
	}
	if m.IsEdited {
		out = append(out, "E")
	}
	if m.IsDeleted {
		out = append(out, "X")
	}
	return strings.Join(out, "")
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
