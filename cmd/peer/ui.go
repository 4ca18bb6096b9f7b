package main

import (
	"fmt"
	"os"
	"time"

	"confab/internal/client"
	"confab/internal/core/domain"
	webrtcinfra "confab/internal/infrastructure/webrtc"
	"confab/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(success)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(failure)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(primary)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+msg)
}

func printWarning(msg string) {
	fmt.Println(warningStyle.Render("! " + msg))
}

func printJoined(roomID domain.RoomID, name string) {
	fmt.Println(successStyle.Render("joined ") + titleStyle.Render(string(roomID)) + mutedStyle.Render(" as "+name))
}

func printChat(m client.ChatMessage) {
	name := m.Name
	if name == "" {
		name = m.ParticipantID
	}
	fmt.Printf("%s %s %s\n",
		mutedStyle.Render(m.Timestamp.Local().Format(time.Kitchen)),
		nameStyle.Render(name+":"),
		m.Message,
	)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return mutedStyle.Render("off")
}

func mediaRow(m domain.MediaState) []string {
	return []string{onOff(m.AudioEnabled), onOff(m.VideoEnabled), onOff(m.ScreenSharing)}
}

func renderTable(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return mutedStyle.Render("nobody here")
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

// participantsView renders the remote participants with their negotiation
// state.
func participantsView(m *client.Meeting) string {
	var rows [][]string
	for _, p := range m.Presence().Participants() {
		state := "-"
		if s, ok := m.PeerState(p.ID); ok {
			state = s.String()
		}
		row := append([]string{p.Name, p.ID}, mediaRow(p.Media)...)
		rows = append(rows, append(row, state))
	}
	return renderTable([]string{"Name", "ID", "Audio", "Video", "Screen", "Peer"}, rows)
}

func roomsView(rooms []client.Room) string {
	var rows [][]string
	for _, r := range rooms {
		for _, p := range r.Participants {
			row := append([]string{r.ID, p.Name, p.ID}, mediaRow(p.Media)...)
			rows = append(rows, append(row, p.JoinedAt.Local().Format(time.Kitchen)))
		}
	}
	return renderTable([]string{"Room", "Name", "ID", "Audio", "Video", "Screen", "Joined"}, rows)
}

func statsLine(s webrtcinfra.StatsSnapshot, uptime time.Duration) string {
	return mutedStyle.Render(fmt.Sprintf("%s rx audio=%d video=%d bytes=%d pli=%d rr=%d",
		utils.FormatDuration(uptime), s.AudioPackets, s.VideoPackets, s.PayloadBytes, s.KeyframeRequests, s.ReceiverReports))
}

func printLeft(roomID domain.RoomID, uptime time.Duration) {
	fmt.Println(mutedStyle.Render("left " + string(roomID) + " after " + utils.FormatDuration(uptime)))
}
