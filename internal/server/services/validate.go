package services

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/server/auth"
)

const (
	MinPasswordLength = 8
	MaxUsernameLength = 64
	MaxSearchTerm     = 100
	DefaultTimezone   = "UTC"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrConflict, fmt.Sprintf(format, args...))
}

// passThrough returns err unchanged when it already carries a classified
// failure, otherwise wraps it as common.ErrorInternal with op as context.
func passThrough(op string, err error) error {
	for _, known := range []error{
		common.ErrorNotFound,
		common.ErrConflict,
		common.ErrInvalidArgument,
		common.ErrorUnauthorized,
		common.ErrReconciliationFailed,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", common.ErrorInternal, op, err)
}

// normalizeEmail trims and lower-cases s and checks it is a bare address.
func normalizeEmail(s string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(s))
	if email == "" {
		return "", invalidArgument("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalidArgument("malformed email %q", s)
	}
	return email, nil
}

func validateUsername(s string) (string, error) {
	username := strings.TrimSpace(s)
	switch {
	case username == "":
		return "", invalidArgument("username is required")
	case len(username) > MaxUsernameLength:
		return "", invalidArgument("username longer than %d characters", MaxUsernameLength)
	case !usernamePattern.MatchString(username):
		return "", invalidArgument("username may contain only letters, digits, '.', '_' and '-'")
	}
	return username, nil
}

func validatePassword(p string) error {
	if utf8.RuneCountInString(p) < MinPasswordLength {
		return invalidArgument("password must be at least %d characters", MinPasswordLength)
	}
	if len(p) > auth.MaxPasswordBytes {
		return invalidArgument("password longer than %d bytes", auth.MaxPasswordBytes)
	}
	return nil
}

// validateTimezone accepts any IANA zone name; "" yields DefaultTimezone.
func validateTimezone(tz string) (string, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return DefaultTimezone, nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", invalidArgument("unknown timezone %q", tz)
	}
	return tz, nil
}

var usernameStrip = regexp.MustCompile(`[^a-z0-9]`)

// usernameBase derives the username stem for an account created from an
// external identity: the lower-cased local part of the email with
// everything but [a-z0-9] removed.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(email), "@")
	base := usernameStrip.ReplaceAllString(local, "")
	if base == "" {
		return "user"
	}
	if len(base) > MaxUsernameLength-6 {
		base = base[:MaxUsernameLength-6]
	}
	return base
}
