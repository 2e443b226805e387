package core

import "github.com/jabolina/replicant/internal/ref"

// ChainHead and ChainTail are the sentinel addresses ipn returns for the
// head's predecessor and the tail's successor, respectively.
const (
	ChainHead ref.Address = "<chain-head>"
	ChainTail ref.Address = "<chain-tail>"
)

// Ipn locates pid inside chain and returns its index together with its
// predecessor and successor addresses (§4.1 "Chain utility"). A pid not
// found in chain returns index -1.
func Ipn(pid ref.Address, chain []ref.Address) (index int, prev ref.Address, next ref.Address) {
	for i, addr := range chain {
		if addr != pid {
			continue
		}
		prev = ChainHead
		if i > 0 {
			prev = chain[i-1]
		}
		next = ChainTail
		if i < len(chain)-1 {
			next = chain[i+1]
		}
		return i, prev, next
	}
	return -1, "", ""
}
