package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Step is one change in a document's history along with the value of the tracked key once it was applied.
type Step struct {
	Hash  string
	Actor string
	Seq   uint64
	// Origin is the commit message, which carries the origin tag of the transaction.
	Origin string
	Value  any
	Deps   []string
}

func (s Step) Label() string {
	encoded, _ := json.Marshal(s.Value)
	origin := s.Origin
	if origin == "" {
		origin = "-"
	}
	return fmt.Sprintf("%s %s@%d %s %s", s.Hash[:8], s.Actor, s.Seq, origin, string(encoded))
}

// History lists the changes of the encoded document in order, with the value of key after each one.
func History(raw []byte, key string) ([]Step, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}

	steps := make([]Step, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var value any
		if v, err := docAt.Path(key).Get(); err == nil {
			value = v.Interface()
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		steps = append(steps, Step{
			Hash:   change.Hash().String(),
			Actor:  change.ActorID(),
			Seq:    change.ActorSeq(),
			Origin: change.Message(),
			Value:  value,
			Deps:   deps,
		})
	}
	return steps, nil
}

// WriteDOT writes the history as a graphviz digraph with an edge from each dependency to its dependent.
func WriteDOT(w io.Writer, steps []Step) error {
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, s := range steps {
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", s.Hash, s.Label()); err != nil {
			return err
		}
		for _, dep := range s.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, s.Hash); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func RenderSvg(steps []Step, outputPath string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(steps))
	edgeCounter := 0
	for _, s := range steps {
		n, err := graph.CreateNode(s.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(s.Label())
		nodeMap[s.Hash] = n

		for _, dep := range s.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(steps []Step) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderSvg(steps, tf); err != nil {
		return "", err
	}
	return tf, nil
}
