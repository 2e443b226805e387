package core

import (
	"testing"

	"github.com/jabolina/replicant/internal/ref"
)

func TestIpn_HeadMiddleTail(t *testing.T) {
	chain := []ref.Address{"a", "b", "c"}

	if idx, prev, next := Ipn("a", chain); idx != 0 || prev != ChainHead || next != "b" {
		t.Fatalf("head: got idx=%d prev=%s next=%s", idx, prev, next)
	}
	if idx, prev, next := Ipn("b", chain); idx != 1 || prev != "a" || next != "c" {
		t.Fatalf("middle: got idx=%d prev=%s next=%s", idx, prev, next)
	}
	if idx, prev, next := Ipn("c", chain); idx != 2 || prev != "b" || next != ChainTail {
		t.Fatalf("tail: got idx=%d prev=%s next=%s", idx, prev, next)
	}
}

func TestIpn_NotFound(t *testing.T) {
	idx, prev, next := Ipn("z", []ref.Address{"a", "b"})
	if idx != -1 || prev != "" || next != "" {
		t.Fatalf("expected (-1, \"\", \"\") for a pid outside the chain, got (%d, %s, %s)", idx, prev, next)
	}
}

func TestIpn_SingleElementChain(t *testing.T) {
	idx, prev, next := Ipn("a", []ref.Address{"a"})
	if idx != 0 || prev != ChainHead || next != ChainTail {
		t.Fatalf("a lone replica is both head and tail: got idx=%d prev=%s next=%s", idx, prev, next)
	}
}
