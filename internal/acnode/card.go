package acnode

import (
	"github.com/londonhackspace/acserver/internal/acl"
)

// Card is a card as the node's reader sees it. The flags mirror the node's
// local card cache; the server decides access from the id alone.
type Card struct {
	ID         acl.CardID
	Maintainer bool
	Enabled    bool
	Valid      bool
}

// NewCard validates uid as a 4 or 7 byte card id.
func NewCard(uid uint64, maintainer, enabled bool) (Card, error) {
	id, err := acl.NewCardID(uid)
	if err != nil {
		return Card{}, err
	}
	return Card{ID: id, Maintainer: maintainer, Enabled: enabled, Valid: true}, nil
}

// String renders the id as the server expects it in paths.
func (c Card) String() string { return c.ID.String() }
