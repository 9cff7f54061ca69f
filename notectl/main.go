package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/noteworthy/notesync/notesync"
)

const Version = "0.1.0"

const DefaultUrl = "http://localhost:7272"

func main() {
	usage := fmt.Sprintf(`Noteworthy note client.

Watches or edits a note over the realtime channel.

The default url is:
    url: %s

Usage:
    notectl watch --note=<note_id> [--url=<url>]
    notectl edit --note=<note_id> [--title=<title>] [--content=<content>]
        [--tag=<tag>]... [--url=<url>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --note=<note_id>     Note id.
    --title=<title>      New title.
    --content=<content>  New content.
    --tag=<tag>          Tag to add. Repeatable.
    --url=<url>`, DefaultUrl)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if urlAny := opts["--url"]; urlAny != nil {
		return urlAny.(string)
	}
	return DefaultUrl
}

func hubUrl(apiUrl string) string {
	wsUrl := apiUrl
	if strings.HasPrefix(wsUrl, "https") {
		wsUrl = "wss" + strings.TrimPrefix(wsUrl, "https")
	} else {
		wsUrl = "ws" + strings.TrimPrefix(wsUrl, "http")
	}
	return wsUrl + "/notehub"
}

func openSession(ctx context.Context, opts docopt.Opts) (*notesync.EditSession, *notesync.RealtimeClient) {
	noteId, err := notesync.ParseId(opts["--note"].(string))
	if err != nil {
		panic(err)
	}

	url := apiUrl(opts)
	store := notesync.NewHttpNoteStoreWithDefaults(url)
	client := notesync.NewRealtimeClientWithDefaults(ctx, hubUrl(url))
	cache := notesync.NewOfflineCache(notesync.NewMemoryKeyValueStore())

	session := notesync.NewEditSessionWithDefaults(ctx, noteId, store, client, cache)
	return session, client
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, client := openSession(cancelCtx, opts)

	session.OnChange(func(snapshot notesync.NoteSnapshot) {
		fmt.Printf("--- %s\n%s\ntags: %s\n", snapshot.Title, snapshot.Content, snapshot.Tags)
	})
	session.OnStatus(func(status notesync.SessionStatus) {
		if status != notesync.StatusNone {
			fmt.Printf("status: %s\n", status)
		}
	})

	<-session.Ready()
	fmt.Printf("watching %s (%s)\n", session.NoteId(), client.State())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-signals

	session.Close()
	client.Close()
}

func edit(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, client := openSession(cancelCtx, opts)
	<-session.Ready()

	if titleAny := opts["--title"]; titleAny != nil {
		if err := session.SetTitle(titleAny.(string)); err != nil {
			panic(err)
		}
	}
	if contentAny := opts["--content"]; contentAny != nil {
		if err := session.SetContent(contentAny.(string)); err != nil {
			panic(err)
		}
	}
	if tagsAny := opts["--tag"]; tagsAny != nil {
		for _, tag := range tagsAny.([]string) {
			if err := session.AddTag(tag); err != nil {
				fmt.Printf("tag %s: %s\n", tag, err)
			}
		}
	}

	if err := session.Save(); err != nil {
		fmt.Printf("save failed: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("saved %s\n", session.NoteId())

	session.Close()
	client.Close()
}
