package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sig(name string) Single {
	return Single{Sig: Signature{Name: name}}
}

func TestWalkPreOrder(t *testing.T) {
	root := Chain{Steps: []Node{
		Group{Items: []Node{sig("a"), sig("b")}},
		Chord{
			Header: Group{Items: []Node{sig("c"), sig("d")}},
			Body:   sig("e"),
		},
		sig("f"),
	}}

	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, TaskNames(root))
	require.Equal(t, 6, TaskCount(root))
}

func TestString(t *testing.T) {
	root := Chain{Steps: []Node{
		Group{Items: []Node{sig("acquire"), sig("update")}},
		Chord{Header: Group{Items: []Node{sig("train"), sig("train")}}, Body: sig("avg")},
	}}
	require.Equal(t, "chain(group(acquire, update) | chord(group(train, train) -> avg))", String(root))
}

func TestTaskCountEmpty(t *testing.T) {
	require.Equal(t, 0, TaskCount(nil))
	require.Equal(t, 0, TaskCount(Chain{}))
	require.Equal(t, 0, TaskCount(Group{}))
}
