// Package ref implements the command-identity scheme from the data model:
// a globally unique Ref token tagging every in-flight request, paired with
// the requesting mailbox address.
package ref

import "github.com/google/uuid"

// Ref is a globally unique request token. It is never reused for the
// lifetime of the client process that generated it.
type Ref string

// New generates a fresh Ref.
func New() Ref {
	return Ref(uuid.NewString())
}

// Address is an opaque, comparable handle naming a mailbox: a replica, a
// client, or a collector process. Two Addresses are equal if and only if
// they name the same mailbox.
type Address string

// Client is the requesting mailbox address carried alongside a Ref; the
// pair (Ref, Client) is the reply key for a request.
type Client = Address

// Key pairs a Ref with its requesting Client, the reply key described by
// the data model.
type Key struct {
	Ref    Ref
	Client Client
}
