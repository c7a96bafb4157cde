package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/textsync/pkg/mirror"
)

// maxLabel bounds how much of the content each node shows.
const maxLabel = 40

func label(doc *automerge.Doc, change *automerge.Change) (string, error) {
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	content, err := mirror.Content(docAt)
	if err != nil {
		return "", fmt.Errorf("failed to read content at %s: %w", change.Hash(), err)
	}
	if r := []rune(content); len(r) > maxLabel {
		content = string(r[:maxLabel]) + "..."
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
	}
	return fmt.Sprintf("%s %s\n%s", change.Hash().String()[:8], change.Message(), string(encoded)), nil
}

// Render writes the change graph of an exported document in the given format.
func Render(doc *automerge.Doc, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edges := 0
	for _, change := range changes {
		l, err := label(doc, change)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(l)
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToFile(doc *automerge.Doc, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	if err := Render(doc, graphviz.SVG, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
