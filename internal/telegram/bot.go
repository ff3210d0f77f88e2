package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"example.com/aria2bot/internal/config"
	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/engine"
	"example.com/aria2bot/internal/render"
	"example.com/aria2bot/internal/store"
)

const (
	// maxTorrentSize bounds uploaded .torrent documents (1 MiB).
	maxTorrentSize = 1 << 20
	// addTimeout caps one submission round trip against the engine.
	addTimeout = 10 * time.Second
)

var (
	magnetRe = regexp.MustCompile(`magnet:\?xt=urn:btih:((?:[0-9a-fA-F]{40})|(?:[a-zA-Z2-7]{32}))`)
	httpRe   = regexp.MustCompile(`((?:https|http)://[^\s]*)`)
	hexRe    = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	base32Re = regexp.MustCompile(`^[a-zA-Z2-7]{32}$`)
)

// Bot handles the inbound Telegram surface: commands, download submissions
// and button presses. Control actions are not executed here; they are queued
// for the dispatcher.
type Bot struct {
	client  *Client
	store   *store.Store
	engine  engine.Client
	actions chan<- domain.PendingAction
	events  chan<- domain.ChangeEvent

	admins      map[int64]struct{}
	download    config.DownloadConfig
	pollTimeout time.Duration
	pending     *pendingCache
}

func NewBot(client *Client, st *store.Store, eng engine.Client, actions chan<- domain.PendingAction,
	events chan<- domain.ChangeEvent, cfg config.TelegramConfig, download config.DownloadConfig) *Bot {
	admins := make(map[int64]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	return &Bot{
		client:      client,
		store:       st,
		engine:      eng,
		actions:     actions,
		events:      events,
		admins:      admins,
		download:    download,
		pollTimeout: cfg.PollTimeout.Std(),
		pending:     newPendingCache(0),
	}
}

// Run long-polls updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("telegram getUpdates error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, upd := range updates {
			offset = upd.UpdateID + 1
			switch {
			case upd.Message != nil:
				if err := b.handleMessage(ctx, upd.Message); err != nil {
					log.Printf("telegram handle message error: %v", err)
				}
			case upd.CallbackQuery != nil:
				if err := b.handleCallback(ctx, upd.CallbackQuery); err != nil {
					log.Printf("telegram handle callback error: %v", err)
				}
			}
		}
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	_, ok := b.admins[userID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, msg *Message) error {
	if msg.From == nil {
		return nil
	}
	command, _ := parseCommand(msg.Text)
	switch command {
	case "start", "help":
		return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, helpText())
	case "id":
		return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, fmt.Sprintf("Chat id: %d", msg.Chat.ID))
	}

	if !b.isAdmin(msg.From.ID) {
		return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID,
			fmt.Sprintf("User %d is not authorized to use this bot.", msg.From.ID))
	}

	switch command {
	case "task":
		return b.sendTaskList(ctx, msg.Chat.ID)
	case "purge":
		callCtx, cancel := context.WithTimeout(ctx, addTimeout)
		err := b.engine.PurgeCompleted(callCtx)
		cancel()
		if err != nil {
			return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, fmt.Sprintf("Purge failed: %v", err))
		}
		return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, "Purged downloaded results.")
	case "":
		return b.handleContent(ctx, msg)
	default:
		return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, "Unknown command. /help lists what I understand.")
	}
}

// handleContent inspects a plain message for downloadable content: magnet
// links (including bare infohashes), http(s) links, or a torrent document.
func (b *Bot) handleContent(ctx context.Context, msg *Message) error {
	if magnets := extractMagnets(msg.Text); len(magnets) > 0 {
		return b.confirmAdd(ctx, msg, pendingAdd{Kind: domain.SourceMagnetLink, URIs: magnets},
			b.download.MagnetDirs, confirmText(magnets, "magnet"))
	}
	if links := extractLinks(msg.Text); len(links) > 0 {
		return b.confirmAdd(ctx, msg, pendingAdd{Kind: domain.SourceHTTPLink, URIs: links},
			b.download.LinkDirs, confirmText(links, "link"))
	}
	if doc := msg.Document; doc != nil {
		if doc.FileSize > maxTorrentSize {
			return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID, "Torrent file too large.")
		}
		name := doc.FileName
		if name == "" {
			name = "torrent file"
		}
		return b.confirmAdd(ctx, msg, pendingAdd{Kind: domain.SourceTorrentFile, FileID: doc.FileID, Name: name},
			b.download.TorrentDirs, fmt.Sprintf("Confirm download %s?", render.Sanitize(name, render.MaxBriefNameLen)))
	}
	return b.client.SendReply(ctx, msg.Chat.ID, msg.MessageID,
		"Send a magnet link, http(s) link or torrent file to download, or /task for the task list.")
}

// confirmAdd shows the directory-choice keyboard; each button carries a
// one-shot token bound to that directory.
func (b *Bot) confirmAdd(ctx context.Context, msg *Message, add pendingAdd, dirs []config.Dir, text string) error {
	prefix := "uri"
	if add.Kind == domain.SourceTorrentFile {
		prefix = "t"
	}
	var rows [][]render.Button
	for i := 0; i < len(dirs); i += 3 {
		end := i + 3
		if end > len(dirs) {
			end = len(dirs)
		}
		var row []render.Button
		for _, d := range dirs[i:end] {
			choice := add
			choice.Dir = d.Path
			row = append(row, render.Button{Label: d.Name, Data: prefix + "|" + b.pending.put(choice)})
		}
		rows = append(rows, row)
	}
	choice := add
	choice.Dir = b.download.DefaultDir
	rows = append(rows, []render.Button{{Label: "Default", Data: prefix + "|" + b.pending.put(choice)}})

	_, err := b.client.SendMessage(ctx, msg.Chat.ID, render.Payload{Text: text, Buttons: rows})
	return err
}

func (b *Bot) handleCallback(ctx context.Context, q *CallbackQuery) error {
	if q.From == nil || q.Message == nil {
		return nil
	}
	kind, data, ok := parseCallback(q.Data)
	if !ok {
		return b.client.AnswerCallback(ctx, q.ID, "Invalid action.")
	}
	chatID := q.Message.Chat.ID

	switch kind {
	case "pause", "resume", "remove":
		// Queued for the dispatcher; validation happens there.
		a := domain.PendingAction{
			Kind:        domain.ActionKind(kind),
			GID:         data,
			UserID:      q.From.ID,
			ChatID:      chatID,
			MessageID:   q.Message.MessageID,
			CallbackID:  q.ID,
			RequestedAt: time.Now(),
		}
		select {
		case b.actions <- a:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !b.isAdmin(q.From.ID) {
		return b.client.AnswerCallback(ctx, q.ID, "Not authorized.")
	}

	switch kind {
	case "task":
		return b.openTaskView(ctx, q, data)
	case "rtask":
		return b.refreshTaskView(ctx, q, data)
	case "rlist":
		return b.refreshTaskList(ctx, q)
	case "uri":
		return b.submitURIs(ctx, q, data)
	case "t":
		return b.submitTorrent(ctx, q, data)
	default:
		return b.client.AnswerCallback(ctx, q.ID, "Invalid action.")
	}
}

// openTaskView sends a detail message for the task and binds it for live
// updates, replacing any previous binding for the GID.
func (b *Bot) openTaskView(ctx context.Context, q *CallbackQuery, gid string) error {
	task, ok := b.store.Get(gid)
	if !ok {
		return b.client.AnswerCallback(ctx, q.ID, fmt.Sprintf("Task %s not found.", gid))
	}
	p := render.Render(task)
	msgID, err := b.client.SendMessage(ctx, q.Message.Chat.ID, p)
	if err != nil {
		return err
	}
	b.store.Bind(gid, q.Message.Chat.ID, msgID)
	b.store.MarkEdited(gid, p.Hash(), time.Now())
	return b.client.AnswerCallback(ctx, q.ID, "")
}

// refreshTaskView rebinds the pressed message and lets the notifier deliver
// the fresh render through the usual pacing path.
func (b *Bot) refreshTaskView(ctx context.Context, q *CallbackQuery, gid string) error {
	task, ok := b.store.Get(gid)
	if !ok {
		return b.client.AnswerCallback(ctx, q.ID, fmt.Sprintf("Task %s not found.", gid))
	}
	b.store.Bind(gid, q.Message.Chat.ID, q.Message.MessageID)
	select {
	case b.events <- domain.ChangeEvent{Task: task}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.client.AnswerCallback(ctx, q.ID, "")
}

func (b *Bot) sendTaskList(ctx context.Context, chatID int64) error {
	_, err := b.client.SendMessage(ctx, chatID, b.taskListPayload())
	return err
}

func (b *Bot) refreshTaskList(ctx context.Context, q *CallbackQuery) error {
	err := b.client.EditMessage(ctx, q.Message.Chat.ID, q.Message.MessageID, b.taskListPayload())
	if err != nil {
		return err
	}
	return b.client.AnswerCallback(ctx, q.ID, "")
}

// taskListPayload builds the /task overview: one button per task opening its
// detail view, plus a refresh row.
func (b *Bot) taskListPayload() render.Payload {
	tasks := b.store.All()
	sort.Slice(tasks, func(i, j int) bool {
		ri, rj := statusRank(tasks[i].Status), statusRank(tasks[j].Status)
		if ri != rj {
			return ri < rj
		}
		if pi, pj := tasks[i].Progress(), tasks[j].Progress(); pi != pj {
			return pi < pj
		}
		return tasks[i].Name < tasks[j].Name
	})
	rows := make([][]render.Button, 0, len(tasks)+1)
	for _, t := range tasks {
		rows = append(rows, []render.Button{{Label: render.BriefLine(t), Data: "task|" + t.GID}})
	}
	rows = append(rows, []render.Button{{Label: "🔄 Refresh", Data: "rlist"}})
	text := "Tasks:\nPick one for details and live updates."
	if len(tasks) == 0 {
		text = "No tasks. Send a link or torrent file to start one."
	}
	return render.Payload{Text: text, Buttons: rows}
}

func (b *Bot) submitURIs(ctx context.Context, q *CallbackQuery, token string) error {
	add, ok := b.pending.take(token)
	if !ok {
		return b.editPlain(ctx, q, "This confirmation expired. Send the link again.")
	}
	callCtx, cancel := context.WithTimeout(ctx, addTimeout)
	gids, err := b.engine.AddURIs(callCtx, add.URIs, add.Dir)
	cancel()

	now := time.Now()
	for i, gid := range gids {
		b.seedTask(ctx, gid, add.Kind, add.URIs[i], add.Dir, now)
	}
	if err != nil {
		failed := add
		failed.URIs = add.URIs[len(gids):]
		text := fmt.Sprintf("Submitting to %s failed: %v", add.Dir, err)
		if len(gids) > 0 {
			text = fmt.Sprintf("Submitted %d of %d to %s; the rest failed: %v",
				len(gids), len(add.URIs), add.Dir, err)
		}
		return b.editRetry(ctx, q, text, "uri|"+b.pending.put(failed))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Added to %s:\n", add.Dir)
	for i, gid := range gids {
		fmt.Fprintf(&sb, "%s: %s\n", render.Sanitize(add.URIs[i], render.MaxBriefNameLen), gid)
	}
	sb.WriteString("\nUse /task to list all tasks.")
	return b.editPlain(ctx, q, sb.String())
}

func (b *Bot) submitTorrent(ctx context.Context, q *CallbackQuery, token string) error {
	add, ok := b.pending.take(token)
	if !ok {
		return b.editPlain(ctx, q, "This confirmation expired. Send the file again.")
	}
	callCtx, cancel := context.WithTimeout(ctx, addTimeout)
	defer cancel()

	data, err := b.client.DownloadFile(callCtx, add.FileID, maxTorrentSize)
	if err != nil {
		return b.editRetry(ctx, q, fmt.Sprintf("Fetching the torrent file failed: %v", err),
			"t|"+b.pending.put(add))
	}
	name := add.Name
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return b.editPlain(ctx, q, "That does not look like a valid torrent file.")
	}
	if info, err := mi.UnmarshalInfo(); err == nil && info.Name != "" {
		name = info.Name
	}

	gid, err := b.engine.AddTorrent(callCtx, data, add.Dir)
	if err != nil {
		return b.editRetry(ctx, q, fmt.Sprintf("Submitting the torrent failed: %v", err),
			"t|"+b.pending.put(add))
	}
	b.seedTask(ctx, gid, domain.SourceTorrentFile, name, add.Dir, time.Now())
	return b.editPlain(ctx, q,
		fmt.Sprintf("Added torrent to %s.\nGID: %s\n\nUse /task to list all tasks.", add.Dir, gid))
}

// seedTask records an accepted submission immediately so the first status
// message does not wait for the next poll.
func (b *Bot) seedTask(ctx context.Context, gid string, kind domain.SourceKind, name, dir string, now time.Time) {
	task := b.store.Upsert(domain.Task{
		GID:        gid,
		Status:     domain.StatusWaiting,
		Name:       name,
		Source:     kind,
		Dir:        dir,
		LastSeenAt: now,
	})
	select {
	case b.events <- domain.ChangeEvent{Task: task}:
	case <-ctx.Done():
	}
}

func (b *Bot) editPlain(ctx context.Context, q *CallbackQuery, text string) error {
	if err := b.client.EditMessage(ctx, q.Message.Chat.ID, q.Message.MessageID, render.Payload{Text: text}); err != nil {
		return err
	}
	return b.client.AnswerCallback(ctx, q.ID, "")
}

func (b *Bot) editRetry(ctx context.Context, q *CallbackQuery, text, retryData string) error {
	p := render.Payload{
		Text:    text,
		Buttons: [][]render.Button{{{Label: "🔁 Retry", Data: retryData}}},
	}
	if err := b.client.EditMessage(ctx, q.Message.Chat.ID, q.Message.MessageID, p); err != nil {
		return err
	}
	return b.client.AnswerCallback(ctx, q.ID, "")
}

func statusRank(s domain.Status) int {
	switch s {
	case domain.StatusActive:
		return 0
	case domain.StatusWaiting:
		return 1
	case domain.StatusPaused:
		return 2
	case domain.StatusError:
		return 3
	case domain.StatusComplete:
		return 4
	default:
		return 5
	}
}

// extractMagnets pulls magnet links out of free text. A bare 40-hex or
// 32-base32 infohash counts as a magnet too. Results are normalized through
// the metainfo parser, deduplicated and sorted.
func extractMagnets(text string) []string {
	var raw []string
	for _, cap := range magnetRe.FindAllStringSubmatch(text, -1) {
		raw = append(raw, "magnet:?xt=urn:btih:"+strings.ToLower(cap[1]))
	}
	trimmed := strings.TrimSpace(text)
	if hexRe.MatchString(trimmed) || base32Re.MatchString(trimmed) {
		raw = append(raw, "magnet:?xt=urn:btih:"+strings.ToLower(trimmed))
	}
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, m := range raw {
		parsed, err := metainfo.ParseMagnetUri(m)
		if err != nil {
			continue
		}
		canonical := "magnet:?xt=urn:btih:" + parsed.InfoHash.HexString()
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	sort.Strings(out)
	return out
}

// extractLinks pulls http(s) URLs, deduplicated and sorted.
func extractLinks(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, cap := range httpRe.FindAllStringSubmatch(text, -1) {
		link := cap[1]
		if strings.HasPrefix(link, "magnet:") {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	sort.Strings(out)
	return out
}

func confirmText(items []string, noun string) string {
	if len(items) == 1 {
		return fmt.Sprintf("Confirm download %s?", render.Sanitize(items[0], render.MaxBriefNameLen))
	}
	return fmt.Sprintf("Confirm download %d %ss?", len(items), noun)
}

func parseCommand(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	cmd := strings.TrimPrefix(parts[0], "/")
	if idx := strings.Index(cmd, "@"); idx >= 0 {
		cmd = cmd[:idx]
	}
	cmd = strings.ToLower(cmd)
	if len(parts) == 1 {
		return cmd, ""
	}
	return cmd, strings.TrimSpace(parts[1])
}

// parseCallback splits button data of the form "kind|payload"; "rlist" is the
// only bare kind.
func parseCallback(data string) (kind, payload string, ok bool) {
	if data == "rlist" {
		return "rlist", "", true
	}
	kind, payload, found := strings.Cut(data, "|")
	if !found || payload == "" {
		return "", "", false
	}
	switch kind {
	case "task", "pause", "resume", "remove", "uri", "t", "rtask":
		return kind, payload, true
	}
	return "", "", false
}

func helpText() string {
	return strings.Join([]string{
		"Send me a magnet link, an http(s) link or a .torrent file and I will hand it to aria2.",
		"",
		"/task — task list with live status messages",
		"/purge — clear finished results from aria2",
		"/id — show this chat's id",
		"/help — this text",
	}, "\n")
}
