package ui

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/huddle/internal/relay"
)

// RoomsView renders the relay's room snapshot.
func RoomsView(rooms []relay.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No open rooms")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatUpper
	t.AppendHeader(table.Row{"Room", "Members", "Waiting", "Peers"})

	var members, pending int
	for _, r := range rooms {
		members += len(r.Members)
		pending += len(r.Pending)
		t.AppendRow(table.Row{r.ID, len(r.Members), len(r.Pending), shortIDs(r.Members)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), members, pending, ""})

	return t.Render()
}

func RenderRooms(rooms []relay.RoomInfo) {
	fmt.Println(RoomsView(rooms))
}

func shortIDs(ids []string) string {
	short := make([]string, len(ids))
	for i, id := range ids {
		if len(id) > 8 {
			id = id[:8]
		}
		short[i] = id
	}
	return strings.Join(short, " ")
}
