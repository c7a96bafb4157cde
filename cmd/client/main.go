package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/astromechza/textsync/pkg/client"
	"github.com/astromechza/textsync/pkg/config"
	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/presence"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file")
	urlVar := flag.String("url", "", "the websocket url to connect to, overrides client.url")
	userVar := flag.String("user", "", "the user id to connect as, overrides client.user_id")
	documentVar := flag.String("document", "default", "the document to edit")
	everyVar := flag.Duration("every", 2*time.Second, "the mean interval between random edits, 0 to only watch")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	if *urlVar != "" {
		cfg.Client.URL = *urlVar
	}
	if *userVar != "" {
		cfg.Client.UserID = *userVar
	}
	if cfg.Client.UserID == "" {
		cfg.Client.UserID = fmt.Sprintf("user-%d", os.Getpid())
	}

	session := client.NewSession(cfg.ClientConfig(slog.Default()))
	replica := session.Open(*documentVar)
	replica.OnChange(func(content string, version int64) {
		slog.Info("content", "version", version, "length", utf8.RuneCountInString(content))
	})
	session.OnPresence(func(documentID string, users []presence.Presence) {
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.UserID)
		}
		slog.Info("presence", "document", documentID, "users", ids)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session stopped", "err", err)
		}
	}()

	if *everyVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			editRandomlyContinuously(ctx, session, replica, *everyVar)
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	fmt.Println(replica.Content())
	slog.Info("final", "version", replica.Version(), "pending", replica.Queue().Len())
	return nil
}

func randomEdit(content string) ot.Operation {
	n := utf8.RuneCountInString(content)
	pos := rand.Intn(n + 1)
	if n > 0 && rand.Intn(3) == 0 {
		if pos == n {
			pos--
		}
		return ot.Operation{Kind: ot.Delete, Position: pos, Length: 1 + rand.Intn(min(3, n-pos))}
	}
	words := []string{"sync ", "text ", "hello ", "world ", "\n"}
	return ot.Operation{Kind: ot.Insert, Position: pos, Text: words[rand.Intn(len(words))]}
}

func editRandomlyContinuously(ctx context.Context, session *client.Session, replica *client.Replica, every time.Duration) {
	for {
		t := time.NewTimer(every/2 + time.Duration(rand.Int63n(int64(every))))
		select {
		case <-t.C:
			if session.State() != client.Synced {
				continue
			}
			op := randomEdit(replica.Content())
			if _, err := session.Edit(replica.DocumentID(), op); err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			session.MoveCursor(replica.DocumentID(), &presence.Cursor{Column: op.Position}, nil)
			slog.Info("edited", "op", op, "version", replica.Version())
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}
