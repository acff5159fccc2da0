// Package recipient implements the recipient-token grammar: normalization
// of submitted `to` lists before append, and resolution of stored lists to
// concrete recipients at delivery time.
package recipient

import (
	"strings"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// Selector tokens. Selectors always begin with "@" in the stored form,
// except the literal "user" compatibility alias which normalizes to "user".
const (
	SelAll     = "@all"
	SelPeers   = "@peers"
	SelForeman = "@foreman"
	SelUser    = "@user"

	// TokenUser is the normalized form of @user / "user".
	TokenUser = "user"
)

// Normalize canonicalizes a submitted to-list against the actor registry:
// titles resolve to ids, selectors lowercase, "user"/"@user" collapse to
// "user", duplicates are dropped preserving insertion order. An empty input
// stays empty (broadcast). Unknown tokens are rejected.
func Normalize(to []string, actors []models.ActorView) ([]string, error) {
	if len(to) == 0 {
		return nil, nil
	}

	byID := make(map[string]models.ActorView, len(actors))
	byTitle := make(map[string][]models.ActorView)
	for _, a := range actors {
		byID[a.ID] = a
		t := strings.ToLower(a.Title)
		if t != "" {
			byTitle[t] = append(byTitle[t], a)
		}
	}

	out := make([]string, 0, len(to))
	seen := make(map[string]bool, len(to))
	push := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}

	for _, raw := range to {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}

		if strings.HasPrefix(tok, "@") {
			sel := strings.ToLower(tok)
			switch sel {
			case SelAll, SelPeers, SelForeman:
				push(sel)
				continue
			case SelUser:
				push(TokenUser)
				continue
			}
			// @<actor id or title> is tolerated and resolved like the bare form.
			tok = tok[1:]
		}

		if tok == TokenUser {
			push(TokenUser)
			continue
		}
		if _, ok := byID[tok]; ok {
			push(tok)
			continue
		}
		matches := byTitle[strings.ToLower(tok)]
		switch len(matches) {
		case 1:
			push(matches[0].ID)
		case 0:
			return nil, kernel.Newf(kernel.CodeInvalidRequest, "unknown recipient %q", raw)
		default:
			return nil, kernel.Newf(kernel.CodeInvalidRequest,
				"recipient title %q is ambiguous (%d actors share it)", raw, len(matches))
		}
	}
	return out, nil
}

// Resolution is the concrete recipient set for one message.
type Resolution struct {
	ActorIDs []string // delivery targets, sender excluded
	ToUser   bool     // message addressed to the human user / UI
}

// Resolve expands a stored (normalized) to-list against the current actor
// registry. The sender never receives its own message. An empty list is a
// broadcast: every other actor plus the user.
func Resolve(to []string, actors []models.ActorView, sender string) Resolution {
	var res Resolution
	seen := make(map[string]bool)
	add := func(id string) {
		if id != sender && !seen[id] {
			seen[id] = true
			res.ActorIDs = append(res.ActorIDs, id)
		}
	}
	addAll := func() {
		for _, a := range actors {
			if a.Enabled {
				add(a.ID)
			}
		}
	}

	if len(to) == 0 {
		addAll()
		res.ToUser = sender != models.ByUser
		return res
	}

	for _, tok := range to {
		switch tok {
		case SelAll:
			addAll()
		case SelPeers:
			for _, a := range actors {
				if a.Enabled && a.Role == models.RolePeer {
					add(a.ID)
				}
			}
		case SelForeman:
			for _, a := range actors {
				if a.Enabled && a.Role == models.RoleForeman {
					add(a.ID)
				}
			}
		case TokenUser:
			if sender != models.ByUser {
				res.ToUser = true
			}
		default:
			for _, a := range actors {
				if a.ID == tok {
					add(a.ID)
					break
				}
			}
		}
	}
	return res
}
