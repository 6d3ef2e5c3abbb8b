package bmap

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const maxVisualizeDepth = 10

type visualizeFrame struct {
	offset  uint64
	depth   int
	nextSub int
}

// Visualize writes a depth-first, indented dump of the tree to w: one
// line per node giving its offset, type, and children, using a
// fixed-depth backlog stack rather than recursion so dump depth is bounded
// independent of Go's call stack.
func (t *Tree) Visualize(w io.Writer) error {
	if t.boot.RootOffset == InvalidOffset {
		_, err := fmt.Fprintln(w, "(empty tree)")
		return err
	}

	var stack [maxVisualizeDepth]visualizeFrame
	sp := 0
	stack[sp] = visualizeFrame{offset: t.boot.RootOffset, depth: 0}

	for sp >= 0 {
		frame := &stack[sp]
		node, err := t.fetchForVisualize(frame.offset)
		if err != nil {
			return err
		}

		if frame.nextSub == 0 {
			if err := printNodeSummary(w, node, frame.depth); err != nil {
				node.Release()
				return err
			}
		}

		if node.IsLeaf() {
			if err := node.Release(); err != nil {
				return err
			}
			sp--
			continue
		}

		children := int(node.Children())
		if frame.nextSub >= children {
			if err := node.Release(); err != nil {
				return err
			}
			sp--
			continue
		}

		childOffset := node.Sub(frame.nextSub)
		frame.nextSub++
		if err := node.Release(); err != nil {
			return err
		}

		if sp+1 >= maxVisualizeDepth {
			return errors.New("bmap: tree depth exceeds visualizer stack")
		}
		sp++
		stack[sp] = visualizeFrame{offset: childOffset, depth: frame.depth + 1}
	}
	return nil
}

func printNodeSummary(w io.Writer, n *Node, depth int) error {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	if n.IsLeaf() {
		c := int(n.Children())
		keys := make([]uint32, c)
		for i := 0; i < c; i++ {
			keys[i] = n.Key(i)
		}
		_, err := fmt.Fprintf(w, "%sleaf@%#x keys=%v prev=%#x next=%#x\n", indent, n.Self(), keys, n.Prev(), n.Next())
		return err
	}
	c := int(n.Children())
	keys := make([]uint32, c-1)
	for i := 0; i < c-1; i++ {
		keys[i] = n.Key(i)
	}
	_, err := fmt.Fprintf(w, "%sinternal@%#x keys=%v children=%d\n", indent, n.Self(), keys, c)
	return err
}
