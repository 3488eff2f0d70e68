package agent

import (
	"bytes"
	"context"
	"fmt"
)

// HashTree is one node of a certificate's labeled state tree, decoded from
// the CBOR array form: [0]=empty, [1,l,r]=fork, [2,label,sub]=labeled,
// [3,bytes]=leaf, [4,digest]=pruned.
type HashTree interface {
	isHashTree()
}

type EmptyNode struct{}

type Fork struct {
	Left, Right HashTree
}

type Labeled struct {
	Label []byte
	Tree  HashTree
}

type Leaf struct {
	Value []byte
}

type Pruned struct {
	Digest []byte
}

func (EmptyNode) isHashTree() {}
func (Fork) isHashTree()      {}
func (Labeled) isHashTree()   {}
func (Leaf) isHashTree()      {}
func (Pruned) isHashTree()    {}

// Certificate is a decoded read_state proof. Only the tree is consumed here;
// signature and delegation are retained for a Verifier.
type Certificate struct {
	Tree       HashTree
	Signature  []byte
	Delegation *Delegation
}

// Delegation is a subnet's chained certificate, kept opaque.
type Delegation struct {
	SubnetID    []byte
	Certificate []byte
}

// DecodeCertificate parses the CBOR certificate blob embedded in a read_state
// response.
func DecodeCertificate(raw []byte) (*Certificate, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	rawTree, ok := env["tree"]
	if !ok {
		return nil, fmt.Errorf("%w: certificate without tree", ErrUnexpectedShape)
	}
	tree, err := parseTree(rawTree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	cert := &Certificate{Tree: tree}
	if sig, ok := env["signature"].([]byte); ok {
		cert.Signature = sig
	}
	if del, ok := env["delegation"].(map[string]any); ok {
		d := &Delegation{}
		d.SubnetID, _ = del["subnet_id"].([]byte)
		d.Certificate, _ = del["certificate"].([]byte)
		cert.Delegation = d
	}
	return cert, nil
}

func parseTree(v any) (HashTree, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("tree node is %T, want non-empty array", v)
	}
	tag, ok := arr[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("tree node tag is %T, want unsigned", arr[0])
	}

	switch tag {
	case 0:
		return EmptyNode{}, nil
	case 1:
		if len(arr) != 3 {
			return nil, fmt.Errorf("fork node has %d elements, want 3", len(arr))
		}
		left, err := parseTree(arr[1])
		if err != nil {
			return nil, err
		}
		right, err := parseTree(arr[2])
		if err != nil {
			return nil, err
		}
		return Fork{Left: left, Right: right}, nil
	case 2:
		if len(arr) != 3 {
			return nil, fmt.Errorf("labeled node has %d elements, want 3", len(arr))
		}
		label, ok := arr[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("label is %T, want blob", arr[1])
		}
		sub, err := parseTree(arr[2])
		if err != nil {
			return nil, err
		}
		return Labeled{Label: label, Tree: sub}, nil
	case 3:
		if len(arr) != 2 {
			return nil, fmt.Errorf("leaf node has %d elements, want 2", len(arr))
		}
		value, ok := arr[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("leaf value is %T, want blob", arr[1])
		}
		return Leaf{Value: value}, nil
	case 4:
		if len(arr) != 2 {
			return nil, fmt.Errorf("pruned node has %d elements, want 2", len(arr))
		}
		digest, ok := arr[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("pruned digest is %T, want blob", arr[1])
		}
		return Pruned{Digest: digest}, nil
	default:
		return nil, fmt.Errorf("unknown tree node tag %d", tag)
	}
}

// LookupPath walks the tree consuming path labels in order and returns the
// leaf bytes at the end. Absence is a legitimate structural outcome, never an
// error: a missing label, a pruned subtree on the way, or a non-leaf terminal
// node all report found=false. The tree is never mutated.
func LookupPath(tree HashTree, path [][]byte) (value []byte, found bool) {
	cur := tree
	for _, label := range path {
		next, ok := findLabel(cur, label)
		if !ok {
			return nil, false
		}
		cur = next
	}
	leaf, ok := cur.(Leaf)
	if !ok {
		return nil, false
	}
	return leaf.Value, true
}

func findLabel(tree HashTree, label []byte) (HashTree, bool) {
	switch n := tree.(type) {
	case Fork:
		if sub, ok := findLabel(n.Left, label); ok {
			return sub, true
		}
		return findLabel(n.Right, label)
	case Labeled:
		if bytes.Equal(n.Label, label) {
			return n.Tree, true
		}
		return nil, false
	default:
		// Empty, Leaf and Pruned have no children to descend into.
		return nil, false
	}
}

// Verifier checks certificate authenticity before its contents are trusted.
// Authenticates reports whether a successful Verify actually certifies the
// result; the decoded Response carries this as its Authenticated flag.
type Verifier interface {
	Verify(ctx context.Context, cert *Certificate) error
	Authenticates() bool
}

// InsecureBypassVerifier accepts every certificate without checking its
// signature. Results resolved under it are structurally sound but
// unauthenticated, and are flagged as such on the Response.
type InsecureBypassVerifier struct{}

func (InsecureBypassVerifier) Verify(context.Context, *Certificate) error { return nil }

func (InsecureBypassVerifier) Authenticates() bool { return false }
