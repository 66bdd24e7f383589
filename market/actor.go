package market

import "fmt"

// ActorNumber identifies a market participant. Both 13-digit GLN and
// 16-character EIC identifiers are accepted on the wire.
type ActorNumber string

// Validate reports whether the actor number is a well-formed GLN or EIC.
func (a ActorNumber) Validate() error {
	switch len(a) {
	case 13:
		for _, r := range a {
			if r < '0' || r > '9' {
				return fmt.Errorf("actor number %q: GLN must be 13 digits", string(a))
			}
		}
		return nil
	case 16:
		for _, r := range a {
			if !isEICRune(r) {
				return fmt.Errorf("actor number %q: EIC contains invalid character", string(a))
			}
		}
		return nil
	default:
		return fmt.Errorf("actor number %q: must be a 13-digit GLN or 16-character EIC", string(a))
	}
}

func isEICRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r == '-':
		return true
	}
	return false
}
