package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/media"
)

// ParticipantsView renders the remote peers of a call.
func ParticipantsView(peers []call.Participant) string {
	if len(peers) == 0 {
		return MutedStyle.Render("Nobody else is here yet")
	}

	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, []string{
			displayName(p),
			mediaFlag(p.MediaKnown, p.Media.Camera, IconCamera),
			mediaFlag(p.MediaKnown, p.Media.Mic, IconMic),
			mediaFlag(p.MediaKnown, p.Media.Screen, IconScreen),
			receiving(p),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Peer", "Camera", "Mic", "Screen", "Receiving").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// LocalMediaView is the one-line summary of what we send.
func LocalMediaView(status media.Status) string {
	return fmt.Sprintf("You: %s camera  %s mic  %s screen",
		mediaFlag(true, status.Camera, IconCamera),
		mediaFlag(true, status.Mic, IconMic),
		mediaFlag(true, status.Screen, IconScreen),
	)
}

func displayName(p call.Participant) string {
	if p.Name != "" {
		return fmt.Sprintf("%s %s", IconPeer, p.Name)
	}
	id := p.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s", IconPeer, id)
}

func mediaFlag(known, on bool, icon string) string {
	switch {
	case !known:
		return MutedStyle.Render("?")
	case on:
		return icon
	default:
		return MutedStyle.Render("off")
	}
}

func receiving(p call.Participant) string {
	switch {
	case p.Audio && p.Video:
		return "audio, video"
	case p.Audio:
		return "audio"
	case p.Video:
		return "video"
	default:
		return MutedStyle.Render("nothing yet")
	}
}

type RoomInfo struct {
	RoomID   string
	RoomLink string
}

func NewRoomInfo(roomID, roomLink string) *RoomInfo {
	return &RoomInfo{
		RoomID:   roomID,
		RoomLink: roomLink,
	}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room ready\n\n%s Room ID:    %s\n%s Room Link:  %s",
		IconRoom,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)
	return RoomBoxStyle.Render(content)
}

func RenderRoomInfo(roomID, roomLink string) {
	fmt.Println(NewRoomInfo(roomID, roomLink).View())
}
