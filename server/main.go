package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/noteworthy/notesync/notesync"
)

const Version = "0.1.0"

const DefaultDbPath = "notes.sqlite3"
const DefaultNotesDir = "notes"

func main() {
	usage := `Noteworthy realtime note service.

Serves the note REST api and the realtime broadcast hub.

Usage:
    server serve [--port=<port>] [--db=<db>] [--notes_dir=<notes_dir>]
        [--share_secret=<share_secret>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --db=<db>                        Sqlite database path [default: notes.sqlite3].
    --notes_dir=<notes_dir>          Note content directory [default: notes].
    --share_secret=<share_secret>    Secret for signing share tokens. Prompted when omitted.
    -p --port=<port>                 Listen port [default: 7272].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	dbPath := DefaultDbPath
	if dbPathAny := opts["--db"]; dbPathAny != nil {
		dbPath = dbPathAny.(string)
	}

	notesDir := DefaultNotesDir
	if notesDirAny := opts["--notes_dir"]; notesDirAny != nil {
		notesDir = notesDirAny.(string)
	}

	shareSecret := readShareSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	store, err := notesync.NewSqliteNoteStore(dbPath, notesDir)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	hub := notesync.NewHubWithDefaults(cancelCtx)
	defer hub.Close()

	api := notesync.NewApi(store, hub, shareSecret)

	fmt.Printf("serving %s on *:%d\n", Version, port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: api.Router(),
	}

	go func() {
		defer cancel()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("[server]listen error = %s\n", err)
		}
	}()

	<-cancelCtx.Done()

	server.Shutdown(context.Background())

	os.Exit(0)
}

func readShareSecret(opts docopt.Opts) []byte {
	if shareSecretAny := opts["--share_secret"]; shareSecretAny != nil {
		return []byte(shareSecretAny.(string))
	}
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Enter share secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Printf("\n")
		if 0 < len(secretBytes) {
			return secretBytes
		}
	}
	// ephemeral secret: share tokens stop validating on restart
	secret := notesync.NewId()
	glog.Infof("[server]generated ephemeral share secret\n")
	return secret.Bytes()
}
