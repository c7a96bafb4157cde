package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/textsync/pkg/mirror"
	"github.com/astromechza/textsync/pkg/store/sqlite"
	"github.com/astromechza/textsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func load(storePath, documentID string) (*automerge.Doc, error) {
	if documentID != "" {
		store, err := sqlite.Open(storePath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return mirror.ExportStore(context.Background(), store, documentID)
	}
	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected -document or one position argument: the automerge file to read")
	}
	buff, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	storeVar := flag.String("store", "textsync.sqlite3", "the sqlite history to read with -document")
	documentVar := flag.String("document", "", "export this document from the store instead of reading a file")
	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()

	doc, err := load(*storeVar, *documentVar)
	if err != nil {
		return err
	}
	content, err := mirror.Content(doc)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	slog.Info("loaded doc", "content", content)
	slog.Info("loaded heads", "heads", doc.Heads())

	slog.Info("changes:")

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "message", change.Message(), "dep", change.Dependencies())
	}

	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		docAt, _ := doc.Fork(change.Hash())
		value, _ := mirror.Content(docAt)
		fmt.Printf("    \"%s\" [label=%q]\n", change.Hash(), fmt.Sprintf("%s %s %d", change.Hash().String()[:8], change.Message(), len(value)))
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")

	if *svgVar != "" {
		if err := viz.RenderToFile(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
