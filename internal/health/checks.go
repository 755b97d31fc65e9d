package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/voxbridge/internal/auth"
)

// TokenStatuser reports the cached access token state. *auth.Manager
// implements it.
type TokenStatuser interface {
	Status() auth.Status
}

// TokenCheck fails while no access token is cached or the cached one has
// expired.
func TokenCheck(src TokenStatuser) Checker {
	return Checker{
		Name: "token",
		Check: func(context.Context) error {
			st := src.Status()
			switch {
			case !st.Present:
				return errors.New("no access token cached")
			case !st.Valid:
				return fmt.Errorf("access token expired at %s", st.ExpiresAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

// Availability is implemented by provider chains that can tell whether any
// backend would accept a call, like the resilience fallbacks.
type Availability interface {
	Available() bool
}

// ProvidersCheck fails when any of the named provider chains has no backend
// left to call.
func ProvidersCheck(chains map[string]Availability) Checker {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)

	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(names) == 0 {
				return errors.New("no providers configured")
			}
			var down []string
			for _, name := range names {
				if !chains[name].Available() {
					down = append(down, name)
				}
			}
			if len(down) > 0 {
				return fmt.Errorf("unavailable: %s", strings.Join(down, ", "))
			}
			return nil
		},
	}
}
