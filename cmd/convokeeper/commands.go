package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/and161185/convokeeper/internal/backend"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/roster"
)

var registerCommand = &cli.Command{
	Name:   "register",
	Usage:  "Register the installation and create its conversation if needed",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "legacy-token", Usage: "Exchange a token issued by an older installation"},
	},
	Action: func(ctx *cli.Context) error {
		b, app := getBackend(ctx), getConfig(ctx).AppCredentials()
		var (
			ct  backend.ConnectionType
			err error
		)
		if tok := ctx.String("legacy-token"); tok != "" {
			ct, err = b.RegisterLegacy(ctx.Context, app, tok)
		} else {
			ct, err = b.Register(ctx.Context, app)
		}
		if err != nil {
			return err
		}
		fmt.Println(ct)
		return nil
	},
}

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Log in with a JWT issued by the host application",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "token", Usage: "User JWT", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		if err := getBackend(ctx).LogIn(ctx.Context, ctx.String("token")); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Log the active identity out",
	Before: requiresRegistration,
	Action: func(ctx *cli.Context) error {
		if err := getBackend(ctx).LogOut(ctx.Context); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var updateTokenCommand = &cli.Command{
	Name:   "update-token",
	Usage:  "Replace the JWT of the logged-in identity",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "token", Usage: "User JWT with the same subject", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		if err := getBackend(ctx).UpdateToken(ctx.Context, ctx.String("token")); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var whoamiCommand = &cli.Command{
	Name:   "whoami",
	Usage:  "Show the active identity and the logged-out ones",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		r, err := getBackend(ctx).Roster(ctx.Context)
		if err != nil {
			return err
		}
		printJSON(describeRoster(r))
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show the sync state summary",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		s, err := getBackend(ctx).Summary(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	},
}

var profileCommand = &cli.Command{
	Name:   "profile",
	Usage:  "Update the person and device profile",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "Person name"},
		&cli.StringFlag{Name: "email", Usage: "Person email address"},
		&cli.StringSliceFlag{Name: "person-data", Usage: "Person custom data as key=value"},
		&cli.StringSliceFlag{Name: "device-data", Usage: "Device custom data as key=value"},
	},
	Action: func(ctx *cli.Context) error {
		b := getBackend(ctx)
		if ctx.IsSet("name") {
			if err := b.SetPersonName(ctx.Context, ctx.String("name")); err != nil {
				return err
			}
		}
		if ctx.IsSet("email") {
			if err := b.SetPersonEmail(ctx.Context, ctx.String("email")); err != nil {
				return err
			}
		}
		for _, kv := range ctx.StringSlice("person-data") {
			k, v, err := parseKV(kv)
			if err != nil {
				return err
			}
			if err := b.SetPersonCustomData(ctx.Context, k, v); err != nil {
				return err
			}
		}
		for _, kv := range ctx.StringSlice("device-data") {
			k, v, err := parseKV(kv)
			if err != nil {
				return err
			}
			if err := b.SetDeviceCustomData(ctx.Context, k, v); err != nil {
				return err
			}
		}
		n, err := b.SyncConversationWithAPI(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("%d update(s) queued\n", n)
		return b.Flush(ctx.Context)
	},
}

var sendCommand = &cli.Command{
	Name:   "send",
	Usage:  "Send a message, optionally with attachments",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "body", Usage: "Message text (\"-\" reads stdin)"},
		&cli.StringSliceFlag{Name: "file", Usage: "Attach a file"},
	},
	Action: func(ctx *cli.Context) error {
		body := ctx.String("body")
		if body == "-" {
			raw, err := readAll("-")
			if err != nil {
				return err
			}
			body = string(raw)
		}
		var uploads []backend.Upload
		for _, p := range ctx.StringSlice("file") {
			if _, err := os.Stat(p); err != nil {
				return err
			}
			uploads = append(uploads, backend.Upload{Filename: filepath.Base(p), Path: p})
		}
		if body == "" && len(uploads) == 0 {
			return fmt.Errorf("need --body or --file")
		}
		b := getBackend(ctx)
		m, err := b.SendMessage(ctx.Context, body, uploads)
		if err != nil {
			return err
		}
		if err := b.Flush(ctx.Context); err != nil {
			return err
		}
		fmt.Println(m.Nonce)
		return nil
	},
}

var messagesCommand = &cli.Command{
	Name:   "messages",
	Usage:  "Fetch and list the conversation messages",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "offline", Usage: "List the local copy without fetching"},
	},
	Action: func(ctx *cli.Context) error {
		b := getBackend(ctx)
		if !ctx.Bool("offline") {
			if _, err := b.FetchMessages(ctx.Context); err != nil {
				return err
			}
		}
		list, err := b.Messages(ctx.Context)
		if err != nil {
			return err
		}
		printJSON(messageRows(list))
		return nil
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark a message read",
	ArgsUsage: "<nonce>",
	Before:    requiresRegistration,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("need exactly one message nonce")
		}
		b := getBackend(ctx)
		if err := b.MarkMessageRead(ctx.Context, ctx.Args().First()); err != nil {
			return err
		}
		return b.Flush(ctx.Context)
	},
}

var attachmentCommand = &cli.Command{
	Name:      "attachment",
	Usage:     "Download an attachment and print its local path",
	ArgsUsage: "<nonce>",
	Before:    requiresRegistration,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Usage: "Attachment index within the message"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("need exactly one message nonce")
		}
		p, err := getBackend(ctx).LoadAttachment(ctx.Context, ctx.Args().First(), ctx.Int("index"))
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var engageCommand = &cli.Command{
	Name:      "engage",
	Usage:     "Record a code point and show the interaction it triggers",
	ArgsUsage: "<code point>",
	Before:    requiresRegistration,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("need exactly one code point")
		}
		b := getBackend(ctx)
		in, err := b.Engage(ctx.Context, ctx.Args().First())
		if err != nil {
			return err
		}
		if in == nil {
			fmt.Println("no interaction")
		} else {
			printJSON(in)
		}
		return b.Flush(ctx.Context)
	},
}

var syncCommand = &cli.Command{
	Name:   "sync",
	Usage:  "Run housekeeping passes until interrupted, or once",
	Before: requiresRegistration,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "once", Usage: "Run a single pass and exit"},
	},
	Action: func(ctx *cli.Context) error {
		b := getBackend(ctx)
		if ctx.Bool("once") {
			return b.Flush(ctx.Context)
		}
		if err := b.WillEnterForeground(ctx.Context); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Context.Done():
				return nil
			case ev := <-b.Events():
				fmt.Println(describeEvent(ev, time.Now()))
			}
		}
	},
}

type rosterView struct {
	Active    string   `json:"active"`
	ID        string   `json:"id,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	LoggedOut []string `json:"logged_out,omitempty"`
}

func describeRoster(r roster.Roster) rosterView {
	var v rosterView
	if r.Active != nil {
		v.Active = string(r.Active.State.Kind())
		v.ID, _ = r.Active.ID()
		v.Subject, _ = r.Active.Subject()
	}
	for _, rec := range r.LoggedOut {
		if s, ok := rec.Subject(); ok {
			v.LoggedOut = append(v.LoggedOut, s)
		}
	}
	return v
}

type messageRow struct {
	Nonce       string          `json:"nonce"`
	From        string          `json:"from"`
	Status      messages.Status `json:"status"`
	SentAt      time.Time       `json:"sent_at"`
	Body        string          `json:"body,omitempty"`
	Attachments int             `json:"attachments,omitempty"`
}

func messageRows(list []messages.Message) []messageRow {
	rows := make([]messageRow, 0, len(list))
	for _, m := range list {
		if m.Hidden {
			continue
		}
		from := "me"
		if m.Sender != nil {
			from = m.Sender.Name
			if from == "" {
				from = m.Sender.ID
			}
		}
		rows = append(rows, messageRow{
			Nonce: m.Nonce, From: from, Status: m.Status, SentAt: m.SentDate,
			Body: m.Body, Attachments: len(m.Attachments),
		})
	}
	return rows
}

func describeEvent(ev backend.Event, now time.Time) string {
	ts := now.Format(time.TimeOnly)
	switch ev.Kind {
	case backend.EventMessagesUpdated:
		return fmt.Sprintf("%s messages updated, %d unread", ts, ev.Unread)
	case backend.EventAuthenticationFailed:
		return fmt.Sprintf("%s authentication failed: %v", ts, ev.Err)
	case backend.EventEngaged:
		if ev.Interaction != nil {
			return fmt.Sprintf("%s engaged %s (%s)", ts, ev.Interaction.ID, ev.Interaction.Type)
		}
		return ts + " engaged"
	}
	return fmt.Sprintf("%s state %s", ts, ev.Summary)
}
