// Package render converts task snapshots into display payloads. Render is a
// pure function: the same task state always yields the same payload, which is
// what makes the notifier's hash-based dedup sound.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"example.com/aria2bot/internal/domain"
)

const (
	// MaxBriefNameLen bounds task names in list rows.
	MaxBriefNameLen = 40
	// maxBodyTextLen bounds any single engine-supplied string in a
	// message body. Telegram caps messages at 4096 chars; this keeps one
	// field from eating the budget.
	maxBodyTextLen = 256
	barWidth       = 10
)

type Button struct {
	Label string
	Data  string
}

// Payload is what the notifier hands to the chat transport: message text plus
// inline keyboard rows.
type Payload struct {
	Text    string
	Buttons [][]Button
}

// Hash digests exactly what the transport would show, so two payloads hash
// equal iff sending the second would be a redundant edit.
func (p Payload) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.Text))
	for _, row := range p.Buttons {
		for _, b := range row {
			h.Write([]byte{0})
			h.Write([]byte(b.Label))
			h.Write([]byte{0})
			h.Write([]byte(b.Data))
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Render produces the detail payload for a task.
func Render(t domain.Task) Payload {
	var b strings.Builder

	fmt.Fprintf(&b, "Task Name: %s\n", Sanitize(t.Name, maxBodyTextLen))
	fmt.Fprintf(&b, "GID: %s\n", t.GID)
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(t.Status))
	if t.Dir != "" {
		fmt.Fprintf(&b, "Dir: %s\n", Sanitize(t.Dir, maxBodyTextLen))
	}
	if t.Status == domain.StatusActive {
		if t.Connections > 0 || t.NumSeeders > 0 {
			fmt.Fprintf(&b, "Conn/Seeder: %d/%d\n", t.Connections, t.NumSeeders)
		}
		fmt.Fprintf(&b, "Speed: ⬆ %s/s | ⬇ %s/s\n", FormatSize(t.UploadSpeed), FormatSize(t.DownloadSpeed))
	}
	if t.Status == domain.StatusError && t.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s %s\n", t.ErrorCode, Sanitize(t.ErrorMessage, maxBodyTextLen))
	}
	if t.Status == domain.StatusRemoved {
		b.WriteString("Task is gone.\n")
	}
	if t.TotalBytes > 0 {
		fmt.Fprintf(&b, "Progress: %s %.1f%% %s/%s\n",
			progressBar(t.Progress()),
			t.Progress()*100,
			FormatSize(t.CompletedBytes),
			FormatSize(t.TotalBytes),
		)
	} else {
		fmt.Fprintf(&b, "Downloaded: %s\n", FormatSize(t.CompletedBytes))
	}

	return Payload{
		Text:    b.String(),
		Buttons: actionButtons(t),
	}
}

// BriefLine is one row of the /task list: status glyph, progress, sizes, name.
func BriefLine(t domain.Task) string {
	name := Sanitize(strings.TrimPrefix(strings.TrimPrefix(t.Name, "https://"), "http://"), MaxBriefNameLen)
	switch t.Status {
	case domain.StatusActive, domain.StatusWaiting, domain.StatusPaused:
		return fmt.Sprintf("%s|%.1f%%|%s/%s|%s",
			statusGlyph(t.Status), t.Progress()*100,
			FormatSize(t.CompletedBytes), FormatSize(t.TotalBytes), name)
	default:
		return fmt.Sprintf("%s|%s|%s", statusGlyph(t.Status), FormatSize(t.TotalBytes), name)
	}
}

func actionButtons(t domain.Task) [][]Button {
	kinds := domain.AllowedActions(t.Status)
	if len(kinds) == 0 {
		return nil
	}
	row := make([]Button, 0, len(kinds))
	for _, k := range kinds {
		row = append(row, Button{Label: actionLabel(k), Data: string(k) + "|" + t.GID})
	}
	return [][]Button{row, {{Label: "🔄 Refresh", Data: "rtask|" + t.GID}}}
}

func actionLabel(k domain.ActionKind) string {
	switch k {
	case domain.ActionPause:
		return "⏸ Pause"
	case domain.ActionResume:
		return "▶️ Resume"
	case domain.ActionRemove:
		return "⏹ Remove"
	}
	return string(k)
}

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusActive:
		return "Active"
	case domain.StatusWaiting:
		return "Waiting"
	case domain.StatusPaused:
		return "Paused"
	case domain.StatusComplete:
		return "Complete"
	case domain.StatusError:
		return "Error"
	case domain.StatusRemoved:
		return "Removed"
	}
	return "Unknown"
}

func statusGlyph(s domain.Status) string {
	switch s {
	case domain.StatusActive:
		return "⏬"
	case domain.StatusWaiting:
		return "🕒"
	case domain.StatusPaused:
		return "⏸️"
	case domain.StatusComplete:
		return "✅"
	case domain.StatusError:
		return "❌"
	case domain.StatusRemoved:
		return "❎"
	}
	return "❔"
}

func progressBar(frac float64) string {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * barWidth)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"
}

// Sanitize neutralizes engine-supplied text before it reaches the transport:
// control characters are dropped and the result is truncated to max runes.
// Engine data is the one untrusted input here; it is cleaned at render time,
// never downstream.
func Sanitize(s string, max int) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if n == max {
			b.WriteString("…")
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// FormatSize renders a byte count with IEC units, two decimals.
func FormatSize(n int64) string {
	size := float64(n)
	unit := "B"
	for _, u := range []string{"KiB", "MiB", "GiB", "TiB", "PiB"} {
		if size <= 1024 {
			break
		}
		size /= 1024
		unit = u
	}
	return fmt.Sprintf("%.2f %s", size, unit)
}
