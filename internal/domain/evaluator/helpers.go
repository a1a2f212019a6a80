package evaluator

import (
	"time"

	"github.com/samber/lo"
)

var nowFn = func() time.Time { return time.Now().UTC() }

func dedupe(users []*User) []*User {
	return lo.UniqBy(users, func(u *User) string { return u.ID.String() })
}

// validPhone accepts E.164 numbers: a leading + and 8 to 15 digits.
func validPhone(p string) bool {
	if len(p) < 9 || len(p) > 16 || p[0] != '+' {
		return false
	}
	for _, r := range p[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
